package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"delegate-assistant/internal/domain"
)

const displayDate = "02/01/2006"

type PharmacyRef struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
}

type VisitSummary struct {
	ID     string             `json:"id"`
	Date   time.Time          `json:"date"`
	Status domain.VisitStatus `json:"status"`
}

// PharmacyDetail is the snapshot of a selected pharmacy shown to the user.
type PharmacyDetail struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Address        string        `json:"address"`
	LastVisit      *VisitSummary `json:"last_visit,omitempty"`
	PendingVisitID string        `json:"pending_visit_id,omitempty"`
}

func (p PharmacyDetail) HasPendingVisit() bool {
	return p.PendingVisitID != ""
}

// Data is everything the dialogue remembers between turns.
type Data struct {
	Pharmacies       []PharmacyRef         `json:"pharmacies,omitempty"`
	SelectedPharmacy *PharmacyDetail       `json:"selected_pharmacy,omitempty"`
	CurrentVisitID   string                `json:"current_visit_id,omitempty"`
	FeedbackVisitID  string                `json:"feedback_visit_id,omitempty"`
	FeedbackMedium   domain.FeedbackMedium `json:"feedback_type,omitempty"`
	RecentVisits     []VisitSummary        `json:"visits,omitempty"`
}

func Encode(d Data) ([]byte, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("session: encode data: %w", err)
	}
	return raw, nil
}

func Decode(raw []byte) (Data, error) {
	var d Data
	if len(bytes.TrimSpace(raw)) == 0 {
		return d, nil
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return Data{}, fmt.Errorf("session: decode data: %w", err)
	}
	return d, nil
}

// legacyID accepts both the integer keys of old rows and string keys.
type legacyID string

func (id *legacyID) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*id = legacyID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = legacyID(n.String())
	return nil
}

type legacyVisit struct {
	ID     legacyID `json:"id"`
	Date   string   `json:"date"`
	Status string   `json:"status"`
}

type legacyPharmacy struct {
	ID              legacyID `json:"id"`
	Name            string   `json:"name"`
	Address         string   `json:"address"`
	LastVisitDate   *string  `json:"last_visit_date"`
	LastVisitStatus *string  `json:"last_visit_status"`
	LastVisitID     legacyID `json:"last_visit_id"`
	HasPendingVisit bool     `json:"has_pending_visit"`
}

type legacyData struct {
	Pharmacies       []legacyPharmacy `json:"pharmacies"`
	SelectedPharmacy *legacyPharmacy  `json:"selected_pharmacy"`
	CurrentVisitID   legacyID         `json:"current_visit_id"`
	FeedbackVisitID  legacyID         `json:"feedback_visit_id"`
	FeedbackType     string           `json:"feedback_type"`
	Visits           []legacyVisit    `json:"visits"`
}

// DecodeLegacy reads the JSON payload of a __DATA__ transcript row.
func DecodeLegacy(raw []byte) (Data, error) {
	var ld legacyData
	if len(bytes.TrimSpace(raw)) == 0 {
		return Data{}, nil
	}
	if err := json.Unmarshal(raw, &ld); err != nil {
		return Data{}, fmt.Errorf("session: decode legacy data: %w", err)
	}

	var d Data
	for _, p := range ld.Pharmacies {
		d.Pharmacies = append(d.Pharmacies, PharmacyRef{ID: string(p.ID), Name: p.Name, Address: p.Address})
	}
	if p := ld.SelectedPharmacy; p != nil {
		detail := &PharmacyDetail{ID: string(p.ID), Name: p.Name, Address: p.Address}
		if p.LastVisitDate != nil {
			lv := &VisitSummary{ID: string(p.LastVisitID), Date: parseDisplayDate(*p.LastVisitDate)}
			if p.LastVisitStatus != nil {
				lv.Status = legacyStatus(*p.LastVisitStatus)
			}
			detail.LastVisit = lv
		}
		if p.HasPendingVisit {
			detail.PendingVisitID = string(p.LastVisitID)
		}
		d.SelectedPharmacy = detail
	}
	d.CurrentVisitID = string(ld.CurrentVisitID)
	d.FeedbackVisitID = string(ld.FeedbackVisitID)
	d.FeedbackMedium = domain.FeedbackMedium(strings.ToUpper(ld.FeedbackType))
	for _, v := range ld.Visits {
		d.RecentVisits = append(d.RecentVisits, VisitSummary{
			ID:     string(v.ID),
			Date:   parseDisplayDate(v.Date),
			Status: legacyStatus(v.Status),
		})
	}
	return d, nil
}

func parseDisplayDate(s string) time.Time {
	t, err := time.Parse(displayDate, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}
	}
	return t
}

func legacyStatus(s string) domain.VisitStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pendiente", "pending":
		return domain.VisitPending
	case "completada", "completed":
		return domain.VisitCompleted
	case "cancelada", "cancelled":
		return domain.VisitCancelled
	default:
		return domain.VisitStatus(strings.ToUpper(s))
	}
}
