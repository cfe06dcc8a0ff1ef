// Package reminder emails owners about entries whose review is coming due.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"ims/api/internal/catalog"
	"ims/api/internal/email"
	"ims/api/internal/logging"
	"ims/api/internal/metrics"
	"ims/api/internal/store"
)

var log = logging.Component("reminder")

// Entries reminded within this period are not reminded again.
const resendAfter = 7 * 24 * time.Hour

var ErrMailerNotConfigured = errors.New("reminder: email is not configured")

type Store interface {
	ListReminderCandidates(ctx context.Context, dueBy, remindedBefore time.Time) ([]store.DueEntry, error)
	ListTenantAdmins(ctx context.Context, tenantID string) ([]store.Membership, error)
	MarkReminded(ctx context.Context, entryID string, at time.Time) error
}

type Mailer interface {
	IsConfigured() bool
	SendReviewReminder(to []string, data email.ReviewReminderData) error
}

type Options struct {
	WindowDays int
	PublicURL  string
}

// Stats describes one reminder run.
type Stats struct {
	Candidates  int `json:"candidates"`
	Emails      int `json:"emails"`
	Failed      int `json:"failed"`
	Reminded    int `json:"reminded"`
	NoRecipient int `json:"noRecipient"`
}

type Service struct {
	store  Store
	mailer Mailer
	window time.Duration
	public string
	now    func() time.Time

	runMu sync.Mutex
	cron  *cron.Cron
}

func New(s Store, m Mailer, opts Options) *Service {
	days := opts.WindowDays
	if days <= 0 {
		days = 30
	}
	return &Service{
		store:  s,
		mailer: m,
		window: time.Duration(days) * 24 * time.Hour,
		public: strings.TrimRight(opts.PublicURL, "/"),
		now:    time.Now,
	}
}

type batch struct {
	tenantID   string
	tenantName string
	userName   string
	to         []string
	entries    []store.DueEntry
}

// RunOnce sends one email per recipient and tenant listing every entry due
// within the window, then stamps the entries that were mailed.
func (s *Service) RunOnce(ctx context.Context) (Stats, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if !s.mailer.IsConfigured() {
		return Stats{}, ErrMailerNotConfigured
	}

	now := s.now()
	candidates, err := s.store.ListReminderCandidates(ctx, now.Add(s.window), now.Add(-resendAfter))
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Candidates: len(candidates)}

	batches, skipped, err := s.group(ctx, candidates)
	if err != nil {
		return stats, err
	}
	stats.NoRecipient = skipped

	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		data := email.ReviewReminderData{
			UserName:   b.userName,
			TenantName: b.tenantName,
			Items:      make([]email.ReminderItem, 0, len(b.entries)),
		}
		for _, entry := range b.entries {
			data.Items = append(data.Items, s.item(entry))
		}
		entryLog := log.WithFields(logrus.Fields{"tenant": b.tenantID, "recipients": len(b.to), "entries": len(b.entries)})
		if err := s.mailer.SendReviewReminder(b.to, data); err != nil {
			entryLog.WithError(err).Warn("review reminder failed")
			metrics.RecordReminder(false)
			stats.Failed++
			continue
		}
		metrics.RecordReminder(true)
		stats.Emails++
		for _, entry := range b.entries {
			if err := s.store.MarkReminded(ctx, entry.ID, now); err != nil {
				entryLog.WithError(err).WithField("entry", entry.ID).Warn("mark reminded failed")
				continue
			}
			stats.Reminded++
		}
	}
	log.WithFields(logrus.Fields{
		"candidates": stats.Candidates,
		"emails":     stats.Emails,
		"failed":     stats.Failed,
		"reminded":   stats.Reminded,
	}).Info("review reminders run")
	return stats, nil
}

// group batches entries by owner, or by the tenant's admins when an entry
// has no owner email.
func (s *Service) group(ctx context.Context, candidates []store.DueEntry) ([]*batch, int, error) {
	admins := map[string][]store.Membership{}
	byKey := map[string]*batch{}
	order := make([]string, 0)
	skipped := 0

	for _, entry := range candidates {
		var (
			key  string
			to   []string
			name string
		)
		if entry.OwnerEmail != "" {
			key = entry.TenantID + "|" + strings.ToLower(entry.OwnerEmail)
			to = []string{entry.OwnerEmail}
			name = entry.OwnerName
		} else {
			members, ok := admins[entry.TenantID]
			if !ok {
				var err error
				members, err = s.store.ListTenantAdmins(ctx, entry.TenantID)
				if err != nil {
					return nil, 0, fmt.Errorf("list tenant admins: %w", err)
				}
				admins[entry.TenantID] = members
			}
			if len(members) == 0 {
				log.WithFields(logrus.Fields{"tenant": entry.TenantID, "entry": entry.ID}).Warn("no reminder recipient")
				skipped++
				continue
			}
			key = entry.TenantID + "|admins"
			for _, m := range members {
				to = append(to, m.Email)
			}
			name = "administrators"
		}

		b, ok := byKey[key]
		if !ok {
			b = &batch{tenantID: entry.TenantID, tenantName: entry.TenantName, userName: name, to: to}
			byKey[key] = b
			order = append(order, key)
		}
		b.entries = append(b.entries, entry)
	}

	out := make([]*batch, 0, len(order))
	for _, key := range order {
		b := byKey[key]
		sort.SliceStable(b.entries, func(i, j int) bool {
			return b.entries[i].ReviewDue.Before(*b.entries[j].ReviewDue)
		})
		out = append(out, b)
	}
	return out, skipped, nil
}

func (s *Service) item(entry store.DueEntry) email.ReminderItem {
	sectionTitle := entry.Section
	if section, ok := catalog.Lookup(entry.Section); ok {
		sectionTitle = section.Title
	}
	item := email.ReminderItem{
		Title:     entry.Title,
		Reference: entry.Reference,
		Section:   sectionTitle,
	}
	if entry.ReviewDue != nil {
		item.DueOn = *entry.ReviewDue
	}
	if s.public != "" {
		item.URL = s.public + "/entries/" + entry.ID
	}
	return item
}

// Validate reports whether schedule is a standard five-field cron spec.
func Validate(schedule string) error {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid reminder schedule %q: %w", schedule, err)
	}
	return nil
}

// Start runs RunOnce on schedule until Stop. Overlapping runs are skipped.
func (s *Service) Start(ctx context.Context, schedule string) error {
	if err := Validate(schedule); err != nil {
		return err
	}
	logger := cron.PrintfLogger(log)
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(schedule, func() {
		if _, err := s.RunOnce(ctx); err != nil {
			log.WithError(err).Warn("scheduled review reminders failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule reminders: %w", err)
	}
	s.cron = c
	c.Start()
	log.WithField("schedule", schedule).Info("review reminders scheduled")
	return nil
}

// Stop waits for a running job to finish.
func (s *Service) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}
