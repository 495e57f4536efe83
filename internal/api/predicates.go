package api

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/hub/internal/apperr"
	"github.com/MarcoPoloResearchLab/hub/internal/dispatch"
)

const (
	opIsCreator               = "api.is_creator"
	opIsCollaboratorOrCreator = "api.is_collaborator_or_creator"
	opAuthenticated           = "api.authenticated"
)

// CreatorChecker answers whether a user owns a document.
type CreatorChecker interface {
	IsCreator(ctx context.Context, user, id string) error
}

// MembershipChecker answers whether a user collaborates on a document.
type MembershipChecker interface {
	IsCollaborator(ctx context.Context, username, document string) error
}

// Predicates builds authorization predicates on top of the index and the collaborator registry.
type Predicates struct {
	index   CreatorChecker
	members MembershipChecker
}

// NewPredicates constructs the predicate set.
func NewPredicates(index CreatorChecker, members MembershipChecker) Predicates {
	return Predicates{index: index, members: members}
}

// Authenticated only requires a principal.
func (p Predicates) Authenticated(_ context.Context, _ dispatch.Args, principal dispatch.Principal) error {
	if principal.Username == "" {
		return apperr.Unauthorized(opAuthenticated, "missing_principal", nil)
	}
	return nil
}

// IsCreator succeeds only when the principal owns args.Document.
func (p Predicates) IsCreator(ctx context.Context, args dispatch.Args, principal dispatch.Principal) error {
	return p.isCreatorOf(ctx, args.Document, principal)
}

// IsCollaboratorOrCreator succeeds for the owner and for registered collaborators.
// A missing membership row means "not a collaborator"; other failures escalate.
func (p Predicates) IsCollaboratorOrCreator(ctx context.Context, args dispatch.Args, principal dispatch.Principal) error {
	return p.isCollaboratorOrCreatorOf(ctx, args.Document, principal)
}

func (p Predicates) isCreatorOf(ctx context.Context, document string, principal dispatch.Principal) error {
	if principal.Username == "" {
		return apperr.Unauthorized(opIsCreator, "missing_principal", nil)
	}
	if document == "" {
		return apperr.WrongValue(opIsCreator, "missing_document", nil)
	}
	return p.index.IsCreator(ctx, principal.Username, document)
}

func (p Predicates) isCollaboratorOrCreatorOf(ctx context.Context, document string, principal dispatch.Principal) error {
	err := p.isCreatorOf(ctx, document, principal)
	if err == nil || !errors.Is(err, apperr.ErrUnauthorized) || principal.Username == "" {
		return err
	}
	membershipErr := p.members.IsCollaborator(ctx, principal.Username, document)
	if membershipErr == nil {
		return nil
	}
	if apperr.IsNotFound(membershipErr) {
		return apperr.Unauthorized(opIsCollaboratorOrCreator, "not_collaborator", nil)
	}
	return membershipErr
}
