package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"delegate-assistant/internal/domain"
	"delegate-assistant/internal/repository"
)

func init() {
	cmd := &cobra.Command{
		Use:   "seed <fixture.yaml>",
		Short: "Load agents, delegates, pharmacies and Q&A entries from a YAML fixture",
		Long:  "Upserts every record in the fixture, so running it twice leaves the same catalog.",
		Args:  cobra.ExactArgs(1),
		Run:   runSeed,
	}

	RootCmd.AddCommand(cmd)
}

// Fixture is the seed file layout.
type Fixture struct {
	Agents []struct {
		ID     string `yaml:"id"`
		Name   string `yaml:"name"`
		Active *bool  `yaml:"active"`
	} `yaml:"agents"`
	Delegates []struct {
		ID            string `yaml:"id"`
		Name          string `yaml:"name"`
		Code          string `yaml:"code"`
		TermsAccepted bool   `yaml:"terms_accepted"`
	} `yaml:"delegates"`
	Pharmacies []struct {
		ID      string `yaml:"id"`
		Name    string `yaml:"name"`
		Address string `yaml:"address"`
		Active  *bool  `yaml:"active"`
	} `yaml:"pharmacies"`
	Questions []struct {
		ID       string   `yaml:"id"`
		Text     string   `yaml:"text"`
		Keywords []string `yaml:"keywords"`
		Active   *bool    `yaml:"active"`
		Answers  []struct {
			Text    string `yaml:"text"`
			Default bool   `yaml:"default"`
		} `yaml:"answers"`
	} `yaml:"questions"`
}

type seedStore interface {
	UpsertAgent(ctx context.Context, a domain.Agent) error
	UpsertDelegate(ctx context.Context, d domain.Delegate) error
	UpsertPharmacy(ctx context.Context, p domain.Pharmacy) error
	UpsertQuestion(ctx context.Context, q domain.Question, createdAt time.Time) error
}

type seedCounts struct {
	Agents     int `json:"agents"`
	Delegates  int `json:"delegates"`
	Pharmacies int `json:"pharmacies"`
	Questions  int `json:"questions"`
}

func parseFixture(data []byte) (Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Fixture{}, fmt.Errorf("seed: parse fixture: %w", err)
	}
	return f, nil
}

// activeOr treats a missing flag as active.
func activeOr(v *bool) bool {
	return v == nil || *v
}

// applyFixture upserts every record. Answer ids derive from the question id
// and position so reseeding replaces rather than duplicates them.
func applyFixture(ctx context.Context, store seedStore, f Fixture, now time.Time) (seedCounts, error) {
	var c seedCounts
	for _, a := range f.Agents {
		if strings.TrimSpace(a.ID) == "" {
			return c, errors.New("seed: agent without id")
		}
		if err := store.UpsertAgent(ctx, domain.Agent{ID: a.ID, Name: a.Name, Active: activeOr(a.Active)}); err != nil {
			return c, err
		}
		c.Agents++
	}
	for _, d := range f.Delegates {
		if strings.TrimSpace(d.ID) == "" {
			return c, errors.New("seed: delegate without id")
		}
		if err := store.UpsertDelegate(ctx, domain.Delegate{ID: d.ID, Name: d.Name, Code: d.Code, TermsAccepted: d.TermsAccepted}); err != nil {
			return c, err
		}
		c.Delegates++
	}
	for _, p := range f.Pharmacies {
		if strings.TrimSpace(p.ID) == "" {
			return c, errors.New("seed: pharmacy without id")
		}
		if err := store.UpsertPharmacy(ctx, domain.Pharmacy{ID: p.ID, Name: p.Name, Address: p.Address, Active: activeOr(p.Active)}); err != nil {
			return c, err
		}
		c.Pharmacies++
	}
	for _, q := range f.Questions {
		if strings.TrimSpace(q.ID) == "" || strings.TrimSpace(q.Text) == "" {
			return c, errors.New("seed: question needs an id and text")
		}
		question := domain.Question{
			ID:       q.ID,
			Text:     q.Text,
			Keywords: strings.Join(q.Keywords, ","),
			Active:   activeOr(q.Active),
		}
		for i, a := range q.Answers {
			question.Answers = append(question.Answers, domain.Answer{
				ID:         fmt.Sprintf("%s-a%d", q.ID, i+1),
				QuestionID: q.ID,
				Text:       a.Text,
				IsDefault:  a.Default,
			})
		}
		if err := store.UpsertQuestion(ctx, question, now); err != nil {
			return c, err
		}
		c.Questions++
	}
	return c, nil
}

func runSeed(cmd *cobra.Command, args []string) {
	cfg, _ := loadConfig()
	ctx := cmd.Context()

	data, err := os.ReadFile(args[0])
	if err != nil {
		exitErr("read fixture", err)
	}
	f, err := parseFixture(data)
	if err != nil {
		exitErr("parse fixture", err)
	}

	store, err := repository.OpenSQL(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		exitErr("open store", err)
	}
	defer store.Close()

	c, err := applyFixture(ctx, store, f, time.Now())
	if err != nil {
		exitErr("seed", err)
	}
	fmt.Printf(`{"ok":true,"agents":%d,"delegates":%d,"pharmacies":%d,"questions":%d}`+"\n",
		c.Agents, c.Delegates, c.Pharmacies, c.Questions)
}
