package roster

import (
	"context"
	"fmt"
	"math"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/trezcool/kanisa/core"
)

// maximum concurrent per-person enrichment lookups
var enrichLimit = 8

type Service struct {
	store           Store
	clock           core.Clock
	loc             *time.Location
	logger          core.Logger
	defaultPageSize int
	maxPageSize     int
}

func NewService(store Store, clock core.Clock, conf *core.Config, logger core.Logger) *Service {
	loc, err := conf.Location()
	if err != nil {
		logger.Warn(fmt.Sprintf("roster: %v; using UTC", err), err)
	}
	svc := &Service{
		store:           store,
		clock:           clock,
		loc:             loc,
		logger:          logger,
		defaultPageSize: conf.Attendance.DefaultPageSize,
		maxPageSize:     conf.Attendance.MaxPageSize,
	}
	if svc.defaultPageSize <= 0 {
		svc.defaultPageSize = 20
	}
	if svc.maxPageSize < svc.defaultPageSize {
		svc.maxPageSize = svc.defaultPageSize
	}
	return svc
}

// Today is the current attendance day.
func (svc *Service) Today() time.Time {
	return core.Day(svc.clock.Now(), svc.loc)
}

func (req PageRequest) Validate(validate *validator.Validate, translator ut.Translator) error {
	return core.ValidateStruct(validate, translator, req)
}

// ActiveSessions resolves ids to the currently active sessions. Unknown or inactive ids are dropped.
func (svc *Service) ActiveSessions(ctx context.Context, sessionIDs []int) ([]Session, error) {
	ids := core.UniqueInts(sessionIDs)
	if len(ids) == 0 {
		return []Session{}, nil
	}
	sessions, err := svc.store.ResolveSessions(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "resolving sessions")
	}
	if sessions == nil {
		sessions = []Session{}
	}
	return sessions, nil
}

func splitSessions(sessions []Session) (sessionIDs, groupIDs []int) {
	sessionIDs = make([]int, 0, len(sessions))
	groupIDs = make([]int, 0, len(sessions))
	for _, s := range sessions {
		sessionIDs = append(sessionIDs, s.ID)
		groupIDs = append(groupIDs, s.GroupID)
	}
	return core.UniqueInts(sessionIDs), core.UniqueInts(groupIDs)
}

// Page fetches one roster page described by req.
func (svc *Service) Page(ctx context.Context, req PageRequest) (Page, error) {
	page, pageSize := svc.clampPage(req.Page, req.PageSize)
	people, total, err := svc.FetchPage(ctx, req.SessionIDs, req.Alpha, req.Search, page, pageSize, req.ExcludePresent())
	if err != nil {
		return Page{}, err
	}
	return Page{People: people, TotalCount: total, Page: page, PageSize: pageSize}, nil
}

func (svc *Service) clampPage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = svc.defaultPageSize
	}
	if pageSize > svc.maxPageSize {
		pageSize = svc.maxPageSize
	}
	return page, pageSize
}

// FetchPage returns the members of the active sessions' groups matching the alpha range and
// search term, paginated (1-based), with the total count over all pages.
// excludeAlreadyPresent selects the work queue; false selects the already checked-in view.
// Session ids resolving to no active session give an empty result, not an error.
func (svc *Service) FetchPage(
	ctx context.Context,
	sessionIDs []int,
	alphaRange, searchTerm string,
	page, pageSize int,
	excludeAlreadyPresent bool,
) ([]Person, int, error) {
	alpha, err := ParseAlphaRange(alphaRange)
	if err != nil {
		return nil, 0, err
	}
	page, pageSize = svc.clampPage(page, pageSize)

	sessions, err := svc.ActiveSessions(ctx, sessionIDs)
	if err != nil {
		return nil, 0, err
	}
	if len(sessions) == 0 {
		return []Person{}, 0, nil
	}
	sIDs, gIDs := splitSessions(sessions)

	presence := PresencePresent
	if excludeAlreadyPresent {
		presence = PresenceAbsent
	}
	q := MemberQuery{
		GroupIDs:   gIDs,
		SessionIDs: sIDs,
		Day:        svc.Today(),
		Alpha:      alpha,
		Search:     core.CleanString(searchTerm),
		Presence:   presence,
		Limit:      pageSize,
	}

	// (page-1)*pageSize would overflow: no roster reaches that far
	if page-1 > (math.MaxInt-1)/pageSize {
		total, err := svc.store.CountMembers(ctx, q)
		if err != nil {
			return nil, 0, errors.Wrap(err, "counting members")
		}
		return []Person{}, total, nil
	}
	q.Offset = (page - 1) * pageSize

	var people []Person
	var total int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		people, err = svc.store.ListMembers(gctx, q)
		return errors.Wrap(err, "listing members")
	})
	g.Go(func() error {
		var err error
		total, err = svc.store.CountMembers(gctx, q)
		return errors.Wrap(err, "counting members")
	})
	if err = g.Wait(); err != nil {
		return nil, 0, err
	}

	if err = svc.enrich(ctx, people, gIDs); err != nil {
		return nil, 0, err
	}
	if people == nil {
		people = []Person{}
	}
	return people, total, nil
}

// enrich loads subgroup labels and balances for the returned people only.
func (svc *Service) enrich(ctx context.Context, people []Person, groupIDs []int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(enrichLimit)
	for i := range people {
		p := &people[i]
		g.Go(func() error {
			balance, err := svc.store.GetBalance(gctx, p.ID, groupIDs)
			if err != nil {
				return errors.Wrapf(err, "getting balance of person %d", p.ID)
			}
			p.BalanceCents = balance

			for _, gID := range p.GroupIDs {
				labels, err := svc.store.GetSubgroups(gctx, p.ID, gID)
				if err != nil {
					return errors.Wrapf(err, "getting subgroups of person %d", p.ID)
				}
				if len(labels) == 0 {
					continue
				}
				if p.Subgroups == nil {
					p.Subgroups = make(map[int][]string)
				}
				p.Subgroups[gID] = labels
			}
			return nil
		})
	}
	return g.Wait()
}

// ComputeStats recomputes the live counters of the active sessions. Nothing is cached.
func (svc *Service) ComputeStats(ctx context.Context, sessionIDs []int) (Stats, error) {
	sessions, err := svc.ActiveSessions(ctx, sessionIDs)
	if err != nil {
		return Stats{}, err
	}
	if len(sessions) == 0 {
		return Stats{}, nil
	}
	sIDs, gIDs := splitSessions(sessions)
	day := svc.Today()

	var total, present int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		total, err = svc.store.CountRoster(gctx, gIDs)
		return errors.Wrap(err, "counting roster")
	})
	g.Go(func() error {
		var err error
		present, err = svc.store.CountPresent(gctx, gIDs, sIDs, day)
		return errors.Wrap(err, "counting present")
	})
	if err = g.Wait(); err != nil {
		return Stats{}, err
	}
	return newStats(total, present), nil
}

// newStats keeps present + notPresent == total even when the two reads race.
func newStats(total, present int) Stats {
	if present > total {
		present = total
	}
	if present < 0 {
		present = 0
	}
	return Stats{
		PresentCount:    present,
		NotPresentCount: total - present,
		TotalCount:      total,
	}
}
