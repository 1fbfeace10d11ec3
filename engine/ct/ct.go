// Package ct implements the CT Resolver (spec.md §4.7): resolution of
// submission values against controlled terminology codelists, backed by an
// external vocabulary service with a local overlay table as a fallback and
// supplement.
package ct

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-yaml"
	"github.com/sethvargo/go-retry"

	"github.com/sdtm-pilot/sdtm-pilot/engine/core"
)

// Codelist is the metadata for one controlled terminology codelist.
type Codelist struct {
	Code             string   `json:"code"`
	Name             string   `json:"name"`
	Extensible       bool     `json:"extensible"`
	SubmissionValues []string `json:"submission_values"`
}

// Overlay supplies study-specific synonym mappings the vocabulary service
// does not know about (spec.md §4.7: "An overlay table supplies
// study-specific abbreviation mappings missing from the service").
type Overlay struct {
	// Synonyms maps codelist code -> upper-cased synonym -> canonical
	// submission value.
	Synonyms map[string]map[string]string `yaml:"synonyms" json:"synonyms"`
}

// LoadOverlay reads a study-specific overlay table from path. A missing
// file resolves to an empty overlay (a study need not define one).
func LoadOverlay(path string) (Overlay, error) {
	if path == "" {
		return Overlay{}, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Overlay{}, nil
	}
	if err != nil {
		return Overlay{}, fmt.Errorf("reading ct overlay %q: %w", path, err)
	}
	var overlay Overlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return Overlay{}, fmt.Errorf("parsing ct overlay %q: %w", path, err)
	}
	return overlay, nil
}

// Resolver is the CT Resolver.
type Resolver struct {
	httpClient  *resty.Client
	overlay     Overlay
	retryBudget int

	cache map[string]Codelist
}

// Options configures a Resolver.
type Options struct {
	BaseURL     string
	Timeout     time.Duration
	RetryBudget int
	Overlay     Overlay
}

// NewResolver builds a Resolver whose primary source is the vocabulary
// service at opts.BaseURL (spec.md §4.7: "two HTTP endpoints: one returns
// codelist metadata ... one returns the members").
func NewResolver(opts Options) *Resolver {
	client := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "application/json")
	return &Resolver{
		httpClient:  client,
		overlay:     opts.Overlay,
		retryBudget: opts.RetryBudget,
		cache:       make(map[string]Codelist),
	}
}

type codelistMetadataResponse struct {
	Name            string   `json:"name"`
	ExtensibleList  bool     `json:"Extensible_List"`
	SubmissionValue []string `json:"submission_values"`
}

type codelistMembersResponse struct {
	Members []struct {
		SubmissionValue string   `json:"submission_value"`
		Synonyms        []string `json:"synonyms"`
		Source          string   `json:"source"`
	} `json:"members"`
}

// FetchCodelist retrieves codelist metadata for code, falling back to a
// cached value if the service call exhausts its retry budget and the code
// was previously resolved successfully.
func (r *Resolver) FetchCodelist(ctx context.Context, code string) (Codelist, error) {
	var cl Codelist
	err := r.withRetry(ctx, func(ctx context.Context) error {
		var meta codelistMetadataResponse
		resp, err := r.httpClient.R().
			SetContext(ctx).
			SetResult(&meta).
			Get(fmt.Sprintf("/codelists/%s", code))
		if err != nil {
			return retry.RetryableError(err)
		}
		if resp.StatusCode() >= 500 {
			return retry.RetryableError(fmt.Errorf("vocabulary service returned %d", resp.StatusCode()))
		}
		if resp.StatusCode() >= 400 {
			return fmt.Errorf("vocabulary service returned %d for codelist %q", resp.StatusCode(), code)
		}
		cl = Codelist{Code: code, Name: meta.Name, Extensible: meta.ExtensibleList, SubmissionValues: meta.SubmissionValue}
		return nil
	})
	if err != nil {
		if cached, ok := r.cache[code]; ok {
			return cached, nil
		}
		return Codelist{}, core.NewError(err, core.ErrCTResolution, "ct_fetch_codelist", map[string]any{"code": code})
	}
	r.cache[code] = cl
	return cl, nil
}

// SynonymMap returns the canonical submission value for every upper-cased
// known name (standard term, service synonym, sponsor mapping) under code.
// On service failure it falls back to the overlay table alone (spec.md
// §4.7: "Failures of the external service fall back to overlay only").
func (r *Resolver) SynonymMap(ctx context.Context, code string) (map[string]string, error) {
	out := make(map[string]string)
	var members codelistMembersResponse
	err := r.withRetry(ctx, func(ctx context.Context) error {
		resp, reqErr := r.httpClient.R().
			SetContext(ctx).
			SetResult(&members).
			Get(fmt.Sprintf("/codelists/%s/members", code))
		if reqErr != nil {
			return retry.RetryableError(reqErr)
		}
		if resp.StatusCode() >= 500 {
			return retry.RetryableError(fmt.Errorf("vocabulary service returned %d", resp.StatusCode()))
		}
		if resp.StatusCode() >= 400 {
			return fmt.Errorf("vocabulary service returned %d for codelist %q members", resp.StatusCode(), code)
		}
		return nil
	})
	if err == nil {
		for _, m := range members.Members {
			out[strings.ToUpper(m.SubmissionValue)] = m.SubmissionValue
			for _, syn := range m.Synonyms {
				out[strings.ToUpper(syn)] = m.SubmissionValue
			}
		}
	}
	for syn, canonical := range r.overlay.Synonyms[code] {
		key := strings.ToUpper(syn)
		if _, already := out[key]; !already {
			out[key] = canonical
		}
	}
	if err != nil && len(out) == 0 {
		return nil, core.NewError(err, core.ErrCTResolution, "ct_synonym_map", map[string]any{"code": code})
	}
	return out, nil
}

// IsApprovedValue reports whether value is an approved submission value for
// codelist code: resolution precedence is exact submission value > service
// synonym > overlay synonym (spec.md §4.7). If overlay alone cannot
// resolve value against a non-extensible codelist, the value is
// unapproved.
func (r *Resolver) IsApprovedValue(ctx context.Context, code, value string) (bool, error) {
	cl, err := r.FetchCodelist(ctx, code)
	if err != nil {
		return false, err
	}
	for _, sv := range cl.SubmissionValues {
		if sv == value {
			return true, nil
		}
	}
	synonyms, err := r.SynonymMap(ctx, code)
	if err != nil {
		return false, err
	}
	if _, ok := synonyms[strings.ToUpper(value)]; ok {
		return true, nil
	}
	// Neither an exact submission value nor a known synonym: an
	// extensible codelist accepts it as a sponsor extension, a
	// non-extensible one leaves it unresolved.
	return cl.Extensible, nil
}

func (r *Resolver) withRetry(ctx context.Context, fn retry.RetryFunc) error {
	backoff := retry.WithMaxRetries(uint64(r.retryBudget), retry.NewConstant(200*time.Millisecond))
	return retry.Do(ctx, backoff, fn)
}
