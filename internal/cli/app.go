package cli

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"go.uber.org/zap"

	"delegate-assistant/handler"
	"delegate-assistant/internal/channel"
	"delegate-assistant/internal/config"
	"delegate-assistant/internal/dialogue"
	"delegate-assistant/internal/domain"
	"delegate-assistant/internal/integrations/openai"
	"delegate-assistant/internal/integrations/paramstore"
	"delegate-assistant/internal/integrations/telegram"
	"delegate-assistant/internal/integrations/whatsapp"
	"delegate-assistant/internal/qa"
	"delegate-assistant/internal/queue"
	"delegate-assistant/internal/repository"
	"delegate-assistant/internal/usecase"
)

// app holds the components shared by serve and lambda. Only the way jobs
// are queued differs between the two.
type app struct {
	cfg      config.Config
	log      *zap.Logger
	store    *repository.SQLStore
	params   paramstore.Getter
	registry *queue.Registry
	router   *channel.Router
	whatsapp *whatsapp.Client
	telegram *telegram.Bot
}

func newApp(ctx context.Context, cfg config.Config, log *zap.Logger) (*app, error) {
	store, err := repository.OpenSQL(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, store: store, registry: queue.NewRegistry(), router: channel.NewRouter()}
	if err := a.wire(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg
	prefix := cfg.ParamPrefix()

	var awsCfg *aws.Config
	loadAWS := func() (aws.Config, error) {
		if awsCfg == nil {
			c, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				return aws.Config{}, fmt.Errorf("cli: load AWS config: %w", err)
			}
			awsCfg = &c
		}
		return *awsCfg, nil
	}

	if cfg.Secrets.SSMPrefix != "" {
		c, err := loadAWS()
		if err != nil {
			return err
		}
		ps, err := paramstore.New(awsssm.NewFromConfig(c))
		if err != nil {
			return err
		}
		a.params = ps
	} else {
		a.params = paramstore.Static{
			prefix + "/open-ai-token":  cfg.OpenAI.APIKey,
			prefix + "/whatsapp-token": cfg.WhatsApp.APIToken,
		}
	}

	var sessions dialogue.SessionStore = a.store
	if cfg.Sessions.Backend == "dynamodb" {
		c, err := loadAWS()
		if err != nil {
			return err
		}
		ds, err := repository.NewDynamoSessions(awsdynamodb.NewFromConfig(c), cfg.Sessions.DynamoDBTable)
		if err != nil {
			return err
		}
		sessions = ds
	}

	matcher, err := qa.NewService(a.store, a.log)
	if err != nil {
		return err
	}
	engine, err := dialogue.New(a.store, sessions, a.log, dialogue.WithEscalateUnknown(cfg.Dialogue.EscalateUnknown))
	if err != nil {
		return err
	}
	llm, err := openai.NewClient(a.params, prefix,
		openai.WithBaseURL(cfg.OpenAI.BaseURL),
		openai.WithModel(cfg.OpenAI.Model),
		openai.WithMaxTokens(cfg.OpenAI.MaxTokens),
		openai.WithTemperature(float32(cfg.OpenAI.Temperature)),
	)
	if err != nil {
		return err
	}
	pipeline, err := usecase.NewPipeline(matcher, engine, llm, a.store, a.log,
		usecase.WithPinnedPrompt(a.params, prefix),
		usecase.WithLLMTimeout(cfg.OpenAI.Timeout),
	)
	if err != nil {
		return err
	}

	if cfg.WhatsApp.PhoneID != "" {
		a.whatsapp, err = whatsapp.NewClient(a.params, prefix, cfg.WhatsApp.PhoneID, whatsapp.WithBaseURL(cfg.WhatsApp.BaseURL))
		if err != nil {
			return err
		}
		a.router.Register(domain.ChannelWhatsApp, a.whatsapp)
	} else {
		a.log.Warn("whatsapp.phone_id not set, whatsapp replies cannot be delivered")
	}
	if cfg.Telegram.Token != "" {
		a.telegram, err = telegram.New(cfg.Telegram.Token, a.log)
		if err != nil {
			return err
		}
		a.router.Register(domain.ChannelTelegram, a.telegram)
	}

	task, err := usecase.NewMessageTask(a.store, pipeline, a.router, a.log)
	if err != nil {
		return err
	}
	task.Register(a.registry)
	return nil
}

func (a *app) queueConfig() queue.Config {
	q := a.cfg.Queue
	return queue.Config{
		Workers:        q.Workers,
		Queue:          usecase.QueueHighPriority,
		AttemptTimeout: q.AttemptTimeout,
		PollInterval:   q.PollInterval,
		BackoffBase:    q.BackoffBase,
		BackoffMax:     q.BackoffMax,
	}
}

func (a *app) normalizer(locks usecase.Locker, q usecase.Enqueuer) (*usecase.Normalizer, error) {
	return usecase.NewNormalizer(a.store, locks, q, a.log,
		usecase.WithRequireAgentExternal(a.cfg.WhatsApp.RequireAgent),
		usecase.WithLockTTL(a.cfg.Queue.LockTTL),
		usecase.WithFailureDelivery(a.router),
	)
}

func (a *app) handler(in handler.InboundHandler) (*handler.Handler, error) {
	wa := handler.WhatsAppSettings{
		AppSecret:   a.cfg.WhatsApp.AppSecret,
		VerifyToken: a.cfg.WhatsApp.VerifyToken,
	}
	if a.whatsapp != nil {
		wa.Media = a.whatsapp
	}
	return handler.NewHandler(in, a.store, wa, a.store, a.log)
}

// acceptTelegram feeds a polled Telegram message into the normalizer.
// Redeliveries are not errors.
func acceptTelegram(n handler.InboundHandler) telegram.InboundFunc {
	return func(ctx context.Context, in telegram.Inbound) error {
		_, err := n.HandleInbound(ctx, usecase.InboundEvent{
			Channel:         domain.ChannelTelegram,
			CounterpartyKey: in.ChatID,
			ExternalID:      in.ID,
			Text:            in.Text,
		})
		if code, _ := usecase.CodeOf(err); code == usecase.ErrorDuplicate {
			return nil
		}
		return err
	}
}

func (a *app) Close() error {
	return a.store.Close()
}
