// Package knowledge turns succeeded plans into generalized, embedded
// entries and searches them for prior art.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixplan/internal/logging"
	"github.com/fyrsmithlabs/fixplan/internal/metrics"
	"github.com/fyrsmithlabs/fixplan/internal/plan"
	"github.com/fyrsmithlabs/fixplan/internal/telemetry"
	"github.com/fyrsmithlabs/fixplan/internal/vectorstore"
	"github.com/fyrsmithlabs/fixplan/pkg/secrets"
)

// Metadata keys stored with every entry.
const (
	MetaSourcePlan  = "source_plan_id"
	MetaKeywords    = "keywords"
	MetaSpecificity = "specificity"
	MetaCreatedAt   = "created_at"
	MetaTitle       = "title"
)

const defaultLogTail = 20

// EntryID is the id of the single entry a plan can produce.
func EntryID(planID string) string { return "knowledge-" + planID }

// Entry is an immutable generalized record of a succeeded plan.
type Entry struct {
	ID          string    `json:"id"`
	PlanID      string    `json:"source_plan_id"`
	Title       string    `json:"title"`
	Text        string    `json:"generalized_text"`
	Keywords    []string  `json:"keywords"`
	Specificity float64   `json:"specificity"`
	CreatedAt   time.Time `json:"created_at"`
}

// Match is an entry with its similarity to a query.
type Match struct {
	Entry
	Score float32 `json:"score"`
}

// Episode is the raw material of an entry.
type Episode struct {
	PlanID      string
	Title       string
	Description string
	Steps       []string
	LogTail     []string
	Validation  string
}

// EpisodeFromPlan collects the episode of p keeping the last tail log lines.
func EpisodeFromPlan(p *plan.Plan, tail int) Episode {
	ep := Episode{
		PlanID:      p.ID,
		Title:       p.Title,
		Description: p.Description,
		Validation:  p.ValidationSummary,
	}
	for _, s := range p.Steps {
		ep.Steps = append(ep.Steps, s.Summary())
	}
	log := p.ExecutionLog
	if tail > 0 && len(log) > tail {
		log = log[len(log)-tail:]
	}
	ep.LogTail = append([]string(nil), log...)
	return ep
}

// Text renders the episode body.
func (e Episode) Text() string {
	var b strings.Builder
	b.WriteString("## Problem\n")
	b.WriteString(e.Description)
	b.WriteString("\n\n## Solution\n")
	for i, s := range e.Steps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s)
	}
	if len(e.LogTail) > 0 {
		b.WriteString("\n## Evidence\n")
		for _, l := range e.LogTail {
			b.WriteString(l)
			b.WriteByte('\n')
		}
	}
	if e.Validation != "" {
		b.WriteString("\n## Validation\n")
		b.WriteString(e.Validation)
		b.WriteByte('\n')
	}
	return b.String()
}

// Option configures a Distiller.
type Option func(*Distiller)

// WithLogTail sets how many trailing log lines an episode keeps.
func WithLogTail(n int) Option { return func(d *Distiller) { d.logTail = n } }

// WithScanner redacts secrets before generalization.
func WithScanner(s *secrets.Scanner) Option { return func(d *Distiller) { d.scanner = s } }

// WithRules replaces the generalization rules.
func WithRules(rules ...Rule) Option {
	return func(d *Distiller) { d.generalizer = NewGeneralizer(rules...) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(d *Distiller) { d.now = now } }

// Distiller writes one entry per succeeded plan and answers similarity
// queries over them.
type Distiller struct {
	store       vectorstore.Store
	scanner     *secrets.Scanner
	generalizer *Generalizer
	logger      *logging.Logger
	logTail     int
	now         func() time.Time
}

// NewDistiller builds a Distiller over store.
func NewDistiller(store vectorstore.Store, logger *logging.Logger, opts ...Option) (*Distiller, error) {
	if store == nil {
		return nil, errors.New("knowledge: store is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	d := &Distiller{
		store:       store,
		generalizer: NewGeneralizer(),
		logger:      logger.Named("knowledge"),
		logTail:     defaultLogTail,
		now:         time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Generalize redacts and generalizes the episode into an entry without
// storing it.
func (d *Distiller) Generalize(ep Episode) *Entry {
	title := d.clean(ep.Title)
	body := d.clean(ep.Text())

	e := &Entry{
		ID:          EntryID(ep.PlanID),
		PlanID:      ep.PlanID,
		Title:       title.Text,
		Text:        body.Text,
		Keywords:    Keywords(title.Text + "\n" + body.Text),
		Specificity: Specificity(body),
		CreatedAt:   d.now().UTC(),
	}
	return e
}

func (d *Distiller) clean(s string) Generalized {
	if d.scanner != nil {
		s = d.scanner.Redact(s).Content
	}
	return d.generalizer.Apply(s)
}

// Distill stores the entry for a succeeded plan. An existing entry is
// returned unchanged with created=false. Store or embedding failures are
// DistillationPending errors; the plan is unaffected and the call may be
// repeated.
func (d *Distiller) Distill(ctx context.Context, p *plan.Plan) (entry *Entry, created bool, err error) {
	const op = "knowledge.Distill"
	ctx = logging.WithPlanID(ctx, p.ID)
	ctx, span := telemetry.Start(ctx, "knowledge", "Distill", attribute.String("plan.id", p.ID))
	defer func() {
		telemetry.End(span, err)
		outcome := "created"
		switch {
		case err != nil:
			outcome = "pending"
		case !created:
			outcome = "exists"
		}
		metrics.Get().Distillations.WithLabelValues(outcome).Inc()
	}()

	if p.Status != plan.StatusSucceeded {
		return nil, false, plan.Errorf(plan.CodeValidation, op, "plan %s is %s, not Succeeded", p.ID, p.Status)
	}

	existing, err := d.store.Get(ctx, EntryID(p.ID))
	switch {
	case err == nil:
		d.logger.Debug(ctx, "knowledge entry already exists")
		return entryFromDoc(*existing), false, nil
	case !errors.Is(err, vectorstore.ErrNotFound):
		return nil, false, plan.Wrap(plan.CodeDistillationPending, op, err)
	}

	entry = d.Generalize(EpisodeFromPlan(p, d.logTail))
	if err := d.store.AddDocuments(ctx, []vectorstore.Document{entry.document()}); err != nil {
		d.logger.Warn(ctx, "knowledge entry not stored", zap.Error(err))
		return nil, false, plan.Wrap(plan.CodeDistillationPending, op, err)
	}

	d.logger.Info(ctx, "knowledge entry stored",
		zap.String("entry_id", entry.ID),
		zap.Strings("keywords", entry.Keywords),
		zap.Float64("specificity", entry.Specificity))
	return entry, true, nil
}

// Get returns the entry of a plan, or vectorstore.ErrNotFound.
func (d *Distiller) Get(ctx context.Context, planID string) (*Entry, error) {
	doc, err := d.store.Get(ctx, EntryID(planID))
	if err != nil {
		return nil, err
	}
	return entryFromDoc(*doc), nil
}

// Search returns up to k entries most similar to query. The query is
// generalized with the same rules as the entries.
func (d *Distiller) Search(ctx context.Context, query string, k int) (matches []Match, err error) {
	ctx, span := telemetry.Start(ctx, "knowledge", "Search", attribute.Int("k", k))
	defer func() { telemetry.End(span, err) }()

	if strings.TrimSpace(query) == "" || k <= 0 {
		return nil, nil
	}
	res, err := d.store.Search(ctx, d.generalizer.Apply(query).Text, k, nil)
	if err != nil {
		return nil, fmt.Errorf("searching knowledge: %w", err)
	}
	matches = make([]Match, 0, len(res))
	for _, r := range res {
		matches = append(matches, Match{Entry: *entryFromDoc(r.Document), Score: r.Score})
	}
	return matches, nil
}

// Count returns the number of stored entries.
func (d *Distiller) Count(ctx context.Context) (int, error) {
	return d.store.Count(ctx)
}

func (e *Entry) document() vectorstore.Document {
	return vectorstore.Document{
		ID:      e.ID,
		Content: e.Title + "\n\n" + e.Text,
		Metadata: map[string]string{
			MetaSourcePlan:  e.PlanID,
			MetaTitle:       e.Title,
			MetaKeywords:    strings.Join(e.Keywords, ","),
			MetaSpecificity: strconv.FormatFloat(e.Specificity, 'f', 3, 64),
			MetaCreatedAt:   e.CreatedAt.Format(time.RFC3339Nano),
		},
	}
}

func entryFromDoc(doc vectorstore.Document) *Entry {
	e := &Entry{
		ID:          doc.ID,
		PlanID:      doc.Metadata[MetaSourcePlan],
		Title:       doc.Metadata[MetaTitle],
		Text:        strings.TrimPrefix(doc.Content, doc.Metadata[MetaTitle]+"\n\n"),
		Specificity: doc.Float(MetaSpecificity),
	}
	if kw := doc.Metadata[MetaKeywords]; kw != "" {
		e.Keywords = strings.Split(kw, ",")
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, doc.Metadata[MetaCreatedAt])
	return e
}
