package rollup

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/grant-datastore/internal/model"
)

// Totals are the mode-independent sums over a scope.
type Totals struct {
	Grants      int64                              `json:"grants"`
	GBP         float64                            `json:"GBP"`
	Currencies  map[string]model.CurrencyAggregate `json:"currencies"`
	Publishers  int                                `json:"publishers"`
	Recipients  int                                `json:"recipients"`
	Funders     int                                `json:"funders"`
	SourceFiles int                                `json:"source_files"`
}

// Bucket is one bar of the external org-id histogram.
type Bucket struct {
	Range      string `json:"range"`
	Publishers int    `json:"publishers"`
}

// Result is the rollup of one scope in one mode.
type Result struct {
	Mode         Mode              `json:"mode"`
	Publisher    string            `json:"publisher,omitempty"`
	SnapshotID   string            `json:"snapshot_id,omitempty"`
	Totals       Totals            `json:"total"`
	Quality      map[string]Metric `json:"quality"`
	FileTypes    map[string]Metric `json:"file_types"`
	ThisMonth    Metric            `json:"published_this_month"`
	ThisYear     Metric            `json:"published_this_year"`
	AwardYears   map[string]Metric `json:"award_years"`
	GrantsByYear map[string]int64  `json:"grants_by_year,omitempty"`
	ExternalIDs  []Bucket          `json:"external_org_id_histogram"`
	// ExternalIDsUnreported lists publishers with recipient-organisation
	// grants whose aggregates carry no org-id prefix counts.
	ExternalIDsUnreported []string  `json:"external_org_id_unreported,omitempty"`
	LastModified          string    `json:"last_modified,omitempty"`
	ComputedAt            time.Time `json:"computed_at"`
}

// publisherFiles groups one publisher's files.
type publisherFiles struct {
	prefix string
	files  []model.SourceFile
}

func (p publisherFiles) any(pred func(model.SourceFile) bool) bool {
	for _, f := range p.files {
		if pred(f) {
			return true
		}
	}
	return false
}

// Compute rolls the blobs of files up in the given mode. It reads only the
// per-file quality and aggregate blobs plus file metadata. now anchors the
// recency and award-year windows.
func Compute(files []model.SourceFile, mode Mode, now time.Time) *Result {
	pubs := groupByPublisher(files)
	res := &Result{
		Mode:       mode,
		Totals:     totals(files, len(pubs)),
		Quality:    make(map[string]Metric, len(Checks)),
		FileTypes:  make(map[string]Metric, len(FileTypes)),
		AwardYears: make(map[string]Metric, AwardYearBands),
		ComputedAt: now.UTC(),
	}
	month, year := now.Format("2006-01"), now.Format("2006")
	grants := float64(res.Totals.Grants)
	npubs := float64(len(pubs))

	switch mode {
	case ModePublishers:
		count := func(pred func(model.SourceFile) bool) float64 {
			n := 0
			for _, p := range pubs {
				if p.any(pred) {
					n++
				}
			}
			return float64(n)
		}
		for _, c := range Checks {
			failing := count(func(f model.SourceFile) bool { return failingGrants(f, c) > 0 })
			res.Quality[c.Metric] = Ratio(npubs-failing, npubs)
		}
		for _, ft := range FileTypes {
			res.FileTypes[ft] = Ratio(count(isFileType(ft)), npubs)
		}
		res.ThisMonth = Ratio(count(publishedIn(month)), npubs)
		res.ThisYear = Ratio(count(publishedIn(year)), npubs)
		for _, y := range awardYears(now) {
			res.AwardYears[y] = Ratio(count(firstAwardedIn(y)), npubs)
		}

	default:
		sum := func(pred func(model.SourceFile) bool) float64 {
			var n int64
			for _, f := range files {
				if pred(f) {
					n += grantCount(f)
				}
			}
			return float64(n)
		}
		var individuals int64
		for _, f := range files {
			if f.Aggregate != nil {
				individuals += f.Aggregate.RecipientIndividuals
			}
		}
		for _, c := range Checks {
			den := grants
			if c.RecipientOrg {
				den -= float64(individuals)
			}
			den *= float64(len(c.Tests))
			var failing int64
			for _, f := range files {
				failing += failingGrants(f, c)
			}
			res.Quality[c.Metric] = Ratio(den-float64(failing), den)
		}
		for _, ft := range FileTypes {
			res.FileTypes[ft] = Ratio(sum(isFileType(ft)), grants)
		}
		res.ThisMonth = Ratio(sum(publishedIn(month)), grants)
		res.ThisYear = Ratio(sum(publishedIn(year)), grants)
		res.GrantsByYear = make(map[string]int64, AwardYearBands)
		for _, y := range awardYears(now) {
			var n int64
			for _, f := range files {
				if f.Aggregate != nil {
					n += f.Aggregate.AwardYears[y]
				}
			}
			res.GrantsByYear[y] = n
			res.AwardYears[y] = Ratio(float64(n), grants)
		}
	}

	res.ExternalIDs, res.ExternalIDsUnreported = externalIDHistogram(pubs)
	for _, f := range files {
		if f.Modified > res.LastModified {
			res.LastModified = f.Modified
		}
	}
	return res
}

// grantCount prefers the checker's count and falls back to the stored rows.
func grantCount(f model.SourceFile) int64 {
	if f.Aggregate != nil {
		return f.Aggregate.Count
	}
	return f.GrantCount
}

func failingGrants(f model.SourceFile, c Check) int64 {
	var n int64
	for _, t := range c.Tests {
		n += f.Quality.Failing(t)
	}
	return n
}

func isFileType(ft string) func(model.SourceFile) bool {
	return func(f model.SourceFile) bool {
		return strings.Contains(strings.ToLower(f.FileType), ft)
	}
}

func publishedIn(period string) func(model.SourceFile) bool {
	return func(f model.SourceFile) bool {
		return strings.HasPrefix(f.Modified, period)
	}
}

func firstAwardedIn(year string) func(model.SourceFile) bool {
	return func(f model.SourceFile) bool {
		return f.Aggregate != nil && strings.HasPrefix(f.Aggregate.MinAwardDate, year)
	}
}

func awardYears(now time.Time) []string {
	out := make([]string, 0, AwardYearBands)
	for i := 0; i < AwardYearBands; i++ {
		out = append(out, strconv.Itoa(now.Year()-i))
	}
	return out
}

func totals(files []model.SourceFile, publishers int) Totals {
	t := Totals{
		Currencies:  map[string]model.CurrencyAggregate{},
		Publishers:  publishers,
		SourceFiles: len(files),
	}
	recipients := make(map[string]struct{})
	funders := make(map[string]struct{})
	for _, f := range files {
		t.Grants += grantCount(f)
		if f.Aggregate == nil {
			continue
		}
		for code, c := range f.Aggregate.Currencies {
			merged := t.Currencies[code]
			merged.Merge(c)
			t.Currencies[code] = merged
		}
		for _, id := range f.Aggregate.RecipientOrgIDs {
			recipients[id] = struct{}{}
		}
		for _, id := range f.Aggregate.FunderOrgIDs {
			funders[id] = struct{}{}
		}
	}
	t.GBP = t.Currencies["GBP"].TotalAmount
	t.Recipients = len(recipients)
	t.Funders = len(funders)
	return t
}

func groupByPublisher(files []model.SourceFile) []publisherFiles {
	idx := make(map[string]int)
	var out []publisherFiles
	for _, f := range files {
		i, ok := idx[f.PublisherPrefix]
		if !ok {
			i = len(out)
			idx[f.PublisherPrefix] = i
			out = append(out, publisherFiles{prefix: f.PublisherPrefix})
		}
		out[i].files = append(out[i].files, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].prefix < out[j].prefix })
	return out
}

// externalIDHistogram buckets publishers by the share of their
// recipient-organisation grants that use an org-id outside the internal
// prefix. Publishers without recipient-organisation grants are left out;
// those that have such grants but no prefix counts are returned as
// unreported.
func externalIDHistogram(pubs []publisherFiles) ([]Bucket, []string) {
	out := make([]Bucket, len(HistogramBuckets))
	for i, label := range HistogramBuckets {
		out[i].Range = label
	}
	var unreported []string
	for _, p := range pubs {
		var total, external, orgGrants int64
		for _, f := range p.files {
			if f.Aggregate == nil {
				continue
			}
			orgGrants += f.Aggregate.Count - f.Aggregate.RecipientIndividuals
			for prefix, n := range f.Aggregate.RecipientOrgPrefixes {
				total += n
				if !strings.HasPrefix(prefix, model.InternalOrgIDPrefix) {
					external += n
				}
			}
		}
		if total == 0 {
			if orgGrants > 0 {
				unreported = append(unreported, p.prefix)
			}
			continue
		}
		i := int(float64(external) * 100 / float64(total) / 10)
		if i >= len(out) {
			i = len(out) - 1
		}
		out[i].Publishers++
	}
	return out, unreported
}
