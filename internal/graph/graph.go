// Package graph manages the directed follow/block graph between identities.
//
// Relationship queries work on a Connections value loaded in one round trip;
// Followers, Following, Friends and StatusWith are pure functions over it.
package graph

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"github.com/sakif/cosmicfire/internal/apperror"
	"github.com/sakif/cosmicfire/internal/clock"
	"github.com/sakif/cosmicfire/internal/model"
	"github.com/sakif/cosmicfire/internal/repository"
)

// ProfileLookup is used to reject edges to unknown identities.
type ProfileLookup interface {
	Get(ctx context.Context, id string) (*model.Profile, error)
}

type Publisher interface {
	Publish(change model.Change)
}

// Connections holds every edge touching User.
type Connections struct {
	User  string
	Edges []model.Edge
}

func (c Connections) collect(typ model.RelationType, outgoing bool) []string {
	var ids []string
	for _, e := range c.Edges {
		if e.Type != typ {
			continue
		}
		if outgoing && e.FollowerID == c.User {
			ids = append(ids, e.FollowedID)
		} else if !outgoing && e.FollowedID == c.User {
			ids = append(ids, e.FollowerID)
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

// Followers returns identities following c.User.
func Followers(c Connections) []string { return c.collect(model.RelationFollow, false) }

// Following returns identities c.User follows.
func Following(c Connections) []string { return c.collect(model.RelationFollow, true) }

// Friends returns identities that follow c.User and are followed back.
func Friends(c Connections) []string {
	followers := Followers(c)
	var friends []string
	for _, id := range Following(c) {
		if _, found := slices.BinarySearch(followers, id); found {
			friends = append(friends, id)
		}
	}
	return friends
}

// Blocking returns identities c.User has blocked.
func Blocking(c Connections) []string { return c.collect(model.RelationBlock, true) }

// StatusWith describes how c.User relates to other.
func StatusWith(c Connections, other string) model.FriendshipStatus {
	if other == c.User {
		return model.StatusSelf
	}
	var out, in bool
	for _, e := range c.Edges {
		if e.Type == model.RelationBlock {
			if e.FollowerID == c.User && e.FollowedID == other {
				return model.StatusBlocked
			}
			continue
		}
		if e.Type != model.RelationFollow {
			continue
		}
		if e.FollowerID == c.User && e.FollowedID == other {
			out = true
		}
		if e.FollowerID == other && e.FollowedID == c.User {
			in = true
		}
	}
	switch {
	case out && in:
		return model.StatusFriends
	case out:
		return model.StatusFollowing
	case in:
		return model.StatusFollowedBy
	default:
		return model.StatusNotConnected
	}
}

type Service struct {
	edges     repository.RelationshipRepository
	profiles  ProfileLookup
	publisher Publisher
	clock     clock.Clock
	logger    *slog.Logger
}

func NewService(edges repository.RelationshipRepository, profiles ProfileLookup, publisher Publisher, clk clock.Clock, logger *slog.Logger) *Service {
	return &Service{edges: edges, profiles: profiles, publisher: publisher, clock: clk, logger: logger}
}

// Load fetches every edge touching user.
func (s *Service) Load(ctx context.Context, user string) (Connections, error) {
	edges, err := s.edges.ListEdges(ctx, user)
	if err != nil {
		return Connections{}, s.wrap("relationships", err)
	}
	return Connections{User: user, Edges: edges}, nil
}

// Status reports how a relates to b. a == b is answered without a query.
func (s *Service) Status(ctx context.Context, a, b string) (model.FriendshipStatus, error) {
	if a == b {
		return model.StatusSelf, nil
	}
	conns, err := s.Load(ctx, a)
	if err != nil {
		return "", err
	}
	return StatusWith(conns, b), nil
}

// Follow makes a follow b. Following twice is a no-op.
func (s *Service) Follow(ctx context.Context, a, b string) error {
	if a == b {
		return apperror.ValidationFailed("id", "you cannot follow yourself")
	}
	if err := s.requireProfile(ctx, b); err != nil {
		return err
	}
	if blocked, err := s.blockedEitherWay(ctx, a, b); err != nil {
		return err
	} else if blocked {
		return apperror.Forbidden("you cannot follow this user")
	}
	return s.insert(ctx, model.Edge{FollowerID: a, FollowedID: b, Type: model.RelationFollow, CreatedAt: s.clock.Now()})
}

// Unfollow removes a's follow of b if present.
func (s *Service) Unfollow(ctx context.Context, a, b string) error {
	return s.delete(ctx, a, b, model.RelationFollow)
}

// Block records a block of b by a and removes follows in both directions.
func (s *Service) Block(ctx context.Context, a, b string) error {
	if a == b {
		return apperror.ValidationFailed("id", "you cannot block yourself")
	}
	if err := s.requireProfile(ctx, b); err != nil {
		return err
	}
	if err := s.delete(ctx, a, b, model.RelationFollow); err != nil {
		return err
	}
	if err := s.delete(ctx, b, a, model.RelationFollow); err != nil {
		return err
	}
	return s.insert(ctx, model.Edge{FollowerID: a, FollowedID: b, Type: model.RelationBlock, CreatedAt: s.clock.Now()})
}

func (s *Service) Unblock(ctx context.Context, a, b string) error {
	return s.delete(ctx, a, b, model.RelationBlock)
}

func (s *Service) blockedEitherWay(ctx context.Context, a, b string) (bool, error) {
	for _, pair := range [][2]string{{b, a}, {a, b}} {
		has, err := s.edges.HasEdge(ctx, pair[0], pair[1], model.RelationBlock)
		if err != nil {
			return false, s.wrap("relationships", err)
		}
		if has {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) requireProfile(ctx context.Context, id string) error {
	if _, err := s.profiles.Get(ctx, id); err != nil {
		return s.wrap("profiles", err)
	}
	return nil
}

func (s *Service) insert(ctx context.Context, e model.Edge) error {
	created, err := s.edges.InsertEdge(ctx, e)
	if err != nil {
		return s.wrap("relationships", err)
	}
	if created {
		s.logger.Info("relationship added",
			slog.String("type", string(e.Type)),
			slog.String("from", e.FollowerID),
			slog.String("to", e.FollowedID),
		)
		s.publish(model.EventInsert, &e)
	}
	return nil
}

func (s *Service) delete(ctx context.Context, a, b string, typ model.RelationType) error {
	deleted, err := s.edges.DeleteEdge(ctx, a, b, typ)
	if err != nil {
		return s.wrap("relationships", err)
	}
	if deleted {
		s.logger.Info("relationship removed",
			slog.String("type", string(typ)),
			slog.String("from", a),
			slog.String("to", b),
		)
		s.publish(model.EventDelete, &model.Edge{FollowerID: a, FollowedID: b, Type: typ, CreatedAt: s.clock.Now()})
	}
	return nil
}

func (s *Service) publish(event string, e *model.Edge) {
	if s.publisher != nil {
		s.publisher.Publish(model.Change{Table: model.TableRelationships, Event: event, Record: e})
	}
}

func (s *Service) wrap(op string, err error) error {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		return err
	}
	s.logger.Error("relationship store failed", slog.String("op", op), slog.String("error", err.Error()))
	return apperror.Unavailable(op, err)
}
