// Package directory resolves free-text name fragments to user identities.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"congregate/api/internal/store"
)

var ErrEmptyQuery = errors.New("name fragment is required")

// Candidate is a user as presented to a caller that has to disambiguate.
type Candidate struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	FullName  string `json:"fullName"`
}

func candidateOf(u store.User) Candidate {
	return Candidate{ID: u.ID, FirstName: u.FirstName, LastName: u.LastName, FullName: u.FullName()}
}

// AmbiguousError is returned by Resolve when more than one user matches.
type AmbiguousError struct {
	Fragment   string
	Candidates []Candidate
}

func (e *AmbiguousError) Error() string {
	names := make([]string, 0, len(e.Candidates))
	for _, c := range e.Candidates {
		names = append(names, c.FullName)
	}
	return fmt.Sprintf("%q matches %d users: %s", e.Fragment, len(e.Candidates), strings.Join(names, ", "))
}

// NoMatchError is returned by Resolve when nobody matches. Suggestions are
// typo-tolerant near misses and may be empty.
type NoMatchError struct {
	Fragment    string
	Suggestions []Candidate
}

func (e *NoMatchError) Error() string {
	return fmt.Sprintf("no user matches %q", e.Fragment)
}

type userSource interface {
	SearchUsers(context.Context, string) ([]store.User, error)
	GetUser(context.Context, string) (store.User, error)
	ListUsers(context.Context) ([]store.User, error)
}

// Suggester offers fuzzy near misses when a substring search finds nothing.
type Suggester interface {
	Healthy() bool
	Suggest(fragment string, limit int) ([]Candidate, error)
	IndexUsers(users []Candidate) error
}

type Resolver struct {
	users     userSource
	suggester Suggester
	logger    *zap.Logger
}

// NewResolver builds a resolver. suggester may be nil.
func NewResolver(users userSource, suggester Suggester, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{users: users, suggester: suggester, logger: logger.Named("directory")}
}

// Search returns every user whose first, last or full name contains
// fragment, ignoring case.
func (r *Resolver) Search(ctx context.Context, fragment string) ([]Candidate, error) {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return nil, ErrEmptyQuery
	}
	users, err := r.users.SearchUsers(ctx, fragment)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(users))
	for _, u := range users {
		out = append(out, candidateOf(u))
	}
	return out, nil
}

// Resolve narrows fragment to exactly one user. Several matches produce an
// *AmbiguousError unless exactly one of them has fragment as its full name.
func (r *Resolver) Resolve(ctx context.Context, fragment string) (Candidate, error) {
	matches, err := r.Search(ctx, fragment)
	if err != nil {
		return Candidate{}, err
	}
	fragment = strings.TrimSpace(fragment)

	switch len(matches) {
	case 0:
		return Candidate{}, &NoMatchError{Fragment: fragment, Suggestions: r.suggest(fragment)}
	case 1:
		return matches[0], nil
	}

	var exact []Candidate
	for _, m := range matches {
		if strings.EqualFold(m.FullName, fragment) {
			exact = append(exact, m)
		}
	}
	if len(exact) == 1 {
		return exact[0], nil
	}
	return Candidate{}, &AmbiguousError{Fragment: fragment, Candidates: matches}
}

func (r *Resolver) Get(ctx context.Context, userID string) (Candidate, error) {
	u, err := r.users.GetUser(ctx, userID)
	if err != nil {
		return Candidate{}, err
	}
	return candidateOf(u), nil
}

func (r *Resolver) suggest(fragment string) []Candidate {
	if r.suggester == nil || !r.suggester.Healthy() {
		return nil
	}
	suggestions, err := r.suggester.Suggest(fragment, 5)
	if err != nil {
		r.logger.Warn("suggestions unavailable", zap.String("fragment", fragment), zap.Error(err))
		return nil
	}
	return suggestions
}

// Reindex pushes the whole user directory into the suggestion index.
func (r *Resolver) Reindex(ctx context.Context) error {
	if r.suggester == nil || !r.suggester.Healthy() {
		return nil
	}
	users, err := r.users.ListUsers(ctx)
	if err != nil {
		return err
	}
	docs := make([]Candidate, 0, len(users))
	for _, u := range users {
		docs = append(docs, candidateOf(u))
	}
	if err := r.suggester.IndexUsers(docs); err != nil {
		return fmt.Errorf("index users: %w", err)
	}
	r.logger.Info("directory reindexed", zap.Int("users", len(docs)))
	return nil
}
