package pairing

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/iyulab/threatlink/internal/connectwise"
)

// CompanyDirectory looks companies up by exact name.
type CompanyDirectory interface {
	FindCompanies(ctx context.Context, name string) ([]connectwise.Company, error)
}

// DefaultReason explains why a threat was billed to the catch-all company.
type DefaultReason string

const (
	ReasonNone         DefaultReason = ""
	ReasonNotFound     DefaultReason = "not_found"
	ReasonAmbiguous    DefaultReason = "ambiguous"
	ReasonLookupFailed DefaultReason = "lookup_failed"
)

// Resolution is the company a threat's ticket is filed under.
type Resolution struct {
	CompanyID int
	Defaulted bool
	Reason    DefaultReason
	Matches   int
}

// CompanyResolver maps a site name to a company id. Anything other than a
// single exact match resolves to the catch-all company; it never fails.
type CompanyResolver struct {
	dir        CompanyDirectory
	catchAllID int
	cache      *lru.Cache[string, Resolution]
	logger     *zap.Logger
}

// NewCompanyResolver creates a resolver. cacheSize bounds the per-run lookup
// cache; values below 1 default to 256.
func NewCompanyResolver(dir CompanyDirectory, catchAllID, cacheSize int, logger *zap.Logger) *CompanyResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cacheSize < 1 {
		cacheSize = 256
	}
	cache, _ := lru.New[string, Resolution](cacheSize)
	return &CompanyResolver{
		dir:        dir,
		catchAllID: catchAllID,
		cache:      cache,
		logger:     logger,
	}
}

// Resolve returns the company for siteName.
func (r *CompanyResolver) Resolve(ctx context.Context, siteName string) Resolution {
	if res, ok := r.cache.Get(siteName); ok {
		return res
	}

	companies, err := r.dir.FindCompanies(ctx, siteName)
	if err != nil {
		r.logger.Error("company lookup failed, using catch-all",
			zap.String("site", siteName),
			zap.Int("catch_all_id", r.catchAllID),
			zap.Error(err),
		)
		// not cached: the next threat for this site tries again
		return r.fallback(ReasonLookupFailed, 0)
	}

	var res Resolution
	switch len(companies) {
	case 1:
		res = Resolution{CompanyID: companies[0].ID, Matches: 1}
	case 0:
		r.logger.Warn("no company matches site, using catch-all",
			zap.String("site", siteName),
			zap.Int("catch_all_id", r.catchAllID),
		)
		res = r.fallback(ReasonNotFound, 0)
	default:
		// ambiguous names share the not-found fallback
		r.logger.Warn("several companies match site, using catch-all",
			zap.String("site", siteName),
			zap.Int("matches", len(companies)),
			zap.Int("catch_all_id", r.catchAllID),
		)
		res = r.fallback(ReasonAmbiguous, len(companies))
	}

	r.cache.Add(siteName, res)
	return res
}

func (r *CompanyResolver) fallback(reason DefaultReason, matches int) Resolution {
	return Resolution{
		CompanyID: r.catchAllID,
		Defaulted: true,
		Reason:    reason,
		Matches:   matches,
	}
}
