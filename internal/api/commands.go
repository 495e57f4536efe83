// Package api registers the hub commands and their authorization rules with a dispatch.Registry.
package api

import (
	"context"
	"encoding/json"

	"github.com/MarcoPoloResearchLab/hub/internal/apperr"
	"github.com/MarcoPoloResearchLab/hub/internal/blobs"
	"github.com/MarcoPoloResearchLab/hub/internal/collaborators"
	"github.com/MarcoPoloResearchLab/hub/internal/dispatch"
	"github.com/MarcoPoloResearchLab/hub/internal/documents"
	"github.com/MarcoPoloResearchLab/hub/internal/hubstore"
	"github.com/MarcoPoloResearchLab/hub/internal/publications"
	"github.com/MarcoPoloResearchLab/hub/internal/versions"
)

const (
	ModelHubstore      = "hubstore"
	ModelCollaborators = "collaborators"
	ModelVersions      = "versions"
	ModelPublications  = "publications"
	ModelNetworks      = "networks"
	ModelBlobs         = "blobs"
)

// Services are the components the commands operate on.
type Services struct {
	Engine        *hubstore.Engine
	Index         *documents.Store
	Collaborators *collaborators.Registry
	Versions      *versions.Service
	Publications  *publications.Service
}

// Blob is the wire form of a stored blob.
type Blob struct {
	Document string `json:"document"`
	ID       string `json:"id"`
	Data     string `json:"data"`
}

// Binary is a decoded data URL blob.
type Binary struct {
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// Register adds every hub command to registry.
func Register(registry *dispatch.Registry, services Services) error {
	for model, commands := range Commands(services) {
		if err := registry.Register(model, commands); err != nil {
			return err
		}
	}
	return nil
}

// Commands builds the command table keyed by model.
func Commands(services Services) map[string]map[string]dispatch.Command {
	predicates := NewPredicates(services.Index, services.Collaborators)
	handlers := commandHandlers{services: services, predicates: predicates}

	return map[string]map[string]dispatch.Command{
		ModelHubstore: {
			"create":     {Handle: handlers.create},
			"update":     {Authorize: predicates.IsCollaboratorOrCreator, Handle: handlers.update},
			"delete":     {Authorize: predicates.IsCreator, Handle: handlers.delete},
			"get":        {Authorize: predicates.IsCollaboratorOrCreator, Handle: handlers.get},
			"info":       {Authorize: predicates.IsCollaboratorOrCreator, Handle: handlers.info},
			"commits":    {Authorize: predicates.IsCollaboratorOrCreator, Handle: handlers.commits},
			"find":       {Handle: handlers.find},
			"search":     {Handle: handlers.search},
			"getBlob":    {Authorize: predicates.IsCollaboratorOrCreator, Handle: handlers.getBlob},
			"listBlobs":  {Authorize: predicates.IsCollaboratorOrCreator, Handle: handlers.listBlobs},
			"createBlob": {Authorize: predicates.IsCollaboratorOrCreator, Handle: handlers.createBlob},
			"deleteBlob": {Authorize: predicates.IsCollaboratorOrCreator, Handle: handlers.deleteBlob},
			"blobExists": {Authorize: predicates.IsCollaboratorOrCreator, Handle: handlers.blobExists},
		},
		ModelCollaborators: {
			"find":   {Authorize: predicates.IsCollaboratorOrCreator, Handle: handlers.findCollaborators},
			"create": {Authorize: predicates.IsCreator, Handle: handlers.createCollaborator},
			"delete": {Authorize: handlers.creatorOfCollaboration, Handle: handlers.deleteCollaborator},
			"get":    {Authorize: handlers.memberOfCollaboration, Handle: handlers.getCollaborator},
		},
		ModelVersions: {
			"create":    {Authorize: predicates.IsCollaboratorOrCreator, Handle: handlers.createVersion},
			"deleteAll": {Authorize: predicates.IsCreator, Handle: handlers.deleteVersions},
			"latest":    {Handle: handlers.latestVersion},
		},
		ModelPublications: {
			"find":   {Authorize: predicates.IsCollaboratorOrCreator, Handle: handlers.findPublications},
			"create": {Authorize: predicates.IsCollaboratorOrCreator, Handle: handlers.createPublication},
			"delete": {Authorize: handlers.memberOfPublication, Handle: handlers.deletePublication},
		},
		ModelNetworks: {
			"list":   {Handle: handlers.listNetworks},
			"create": {Authorize: predicates.Authenticated, Handle: handlers.createNetwork},
		},
		ModelBlobs: {
			"binary": {Authorize: predicates.IsCollaboratorOrCreator, Handle: handlers.binary},
		},
	}
}

type commandHandlers struct {
	services   Services
	predicates Predicates
}

func (h commandHandlers) create(ctx context.Context, args dispatch.Args) (any, error) {
	if args.Username == "" {
		return nil, apperr.WrongValue("hubstore.create", "missing_username", nil)
	}
	if args.Document == "" {
		return nil, apperr.WrongValue("hubstore.create", "missing_document", nil)
	}
	return h.services.Engine.Create(ctx, args.Username, args.Document, args.Meta)
}

func (h commandHandlers) update(ctx context.Context, args dispatch.Args) (any, error) {
	return h.services.Engine.Update(ctx, args.Document, args.Commits, args.Meta, args.Refs)
}

func (h commandHandlers) delete(ctx context.Context, args dispatch.Args) (any, error) {
	if err := h.services.Engine.Delete(ctx, args.Document); err != nil {
		return nil, err
	}
	return map[string]string{"status": "ok"}, nil
}

func (h commandHandlers) get(ctx context.Context, args dispatch.Args) (any, error) {
	return h.services.Engine.Get(ctx, args.Document)
}

func (h commandHandlers) info(ctx context.Context, args dispatch.Args) (any, error) {
	return h.services.Engine.Info(ctx, args.Document)
}

func (h commandHandlers) commits(ctx context.Context, args dispatch.Args) (any, error) {
	return h.services.Engine.Commits(ctx, args.Document, args.Since, args.Last)
}

func (h commandHandlers) find(ctx context.Context, args dispatch.Args) (any, error) {
	if args.Username == "" {
		return nil, apperr.WrongValue("hubstore.find", "missing_username", nil)
	}
	return h.services.Engine.List(ctx, args.Username)
}

func (h commandHandlers) search(ctx context.Context, args dispatch.Args) (any, error) {
	if args.Username == "" {
		return nil, apperr.WrongValue("hubstore.search", "missing_username", nil)
	}
	if args.Query == "" {
		return nil, apperr.WrongValue("hubstore.search", "missing_query", nil)
	}
	return h.services.Engine.Search(ctx, args.Username, args.Query)
}

func (h commandHandlers) getBlob(ctx context.Context, args dispatch.Args) (any, error) {
	data, err := h.services.Engine.GetBlob(ctx, args.Document, args.Blob)
	if err != nil {
		return nil, err
	}
	return Blob{Document: args.Document, ID: args.Blob, Data: string(data)}, nil
}

func (h commandHandlers) listBlobs(ctx context.Context, args dispatch.Args) (any, error) {
	return h.services.Engine.ListBlobs(ctx, args.Document)
}

func (h commandHandlers) createBlob(ctx context.Context, args dispatch.Args) (any, error) {
	if args.Blob == "" {
		return nil, apperr.WrongValue("hubstore.createBlob", "missing_blob", nil)
	}
	payload, err := blobPayload(args.Data)
	if err != nil {
		return nil, err
	}
	if err := h.services.Engine.CreateBlob(ctx, args.Document, args.Blob, payload); err != nil {
		return nil, err
	}
	return true, nil
}

func (h commandHandlers) deleteBlob(ctx context.Context, args dispatch.Args) (any, error) {
	if err := h.services.Engine.DeleteBlob(ctx, args.Document, args.Blob); err != nil {
		return nil, err
	}
	return true, nil
}

func (h commandHandlers) blobExists(ctx context.Context, args dispatch.Args) (any, error) {
	return h.services.Engine.BlobExists(ctx, args.Document, args.Blob)
}

func (h commandHandlers) binary(ctx context.Context, args dispatch.Args) (any, error) {
	data, err := h.services.Engine.GetBlob(ctx, args.Document, args.Blob)
	if err != nil {
		return nil, err
	}
	mimeType, decoded, err := blobs.DecodeDataURL(string(data))
	if err != nil {
		return nil, err
	}
	return Binary{MimeType: mimeType, Data: decoded}, nil
}

func (h commandHandlers) findCollaborators(ctx context.Context, args dispatch.Args) (any, error) {
	return h.services.Collaborators.Find(ctx, args.Document)
}

func (h commandHandlers) createCollaborator(ctx context.Context, args dispatch.Args) (any, error) {
	return h.services.Collaborators.Create(ctx, args.Document, args.Collaborator)
}

func (h commandHandlers) deleteCollaborator(ctx context.Context, args dispatch.Args) (any, error) {
	if err := h.services.Collaborators.Delete(ctx, args.ID); err != nil {
		return nil, err
	}
	return map[string]string{"status": "ok"}, nil
}

func (h commandHandlers) getCollaborator(ctx context.Context, args dispatch.Args) (any, error) {
	return h.services.Collaborators.Get(ctx, args.ID)
}

// creatorOfCollaboration authorizes against the document the membership row points at.
func (h commandHandlers) creatorOfCollaboration(ctx context.Context, args dispatch.Args, principal dispatch.Principal) error {
	row, err := h.services.Collaborators.Get(ctx, args.ID)
	if err != nil {
		return err
	}
	return h.predicates.isCreatorOf(ctx, row.Document, principal)
}

func (h commandHandlers) memberOfCollaboration(ctx context.Context, args dispatch.Args, principal dispatch.Principal) error {
	row, err := h.services.Collaborators.Get(ctx, args.ID)
	if err != nil {
		return err
	}
	return h.predicates.isCollaboratorOrCreatorOf(ctx, row.Document, principal)
}

func (h commandHandlers) createVersion(ctx context.Context, args dispatch.Args) (any, error) {
	if args.Creator == "" {
		return nil, apperr.WrongValue("versions.create", "missing_creator", nil)
	}
	data := map[string]any{}
	if len(args.Data) > 0 {
		if err := json.Unmarshal(args.Data, &data); err != nil {
			return nil, apperr.WrongValue("versions.create", "invalid_data", err)
		}
	}
	return h.services.Versions.Create(ctx, args.Document, args.Creator, data)
}

func (h commandHandlers) deleteVersions(ctx context.Context, args dispatch.Args) (any, error) {
	if err := h.services.Versions.DeleteAll(ctx, args.Document); err != nil {
		return nil, err
	}
	return map[string]string{"status": "ok"}, nil
}

func (h commandHandlers) latestVersion(ctx context.Context, args dispatch.Args) (any, error) {
	return h.services.Versions.FindLatest(ctx, args.Document)
}

func (h commandHandlers) findPublications(ctx context.Context, args dispatch.Args) (any, error) {
	return h.services.Publications.FindByDocument(ctx, args.Document)
}

func (h commandHandlers) createPublication(ctx context.Context, args dispatch.Args) (any, error) {
	if args.Creator == "" {
		return nil, apperr.WrongValue("publications.create", "missing_creator", nil)
	}
	return h.services.Publications.Create(ctx, args.Network, args.Document, args.Creator)
}

func (h commandHandlers) deletePublication(ctx context.Context, args dispatch.Args) (any, error) {
	if err := h.services.Publications.Delete(ctx, args.Publication); err != nil {
		return nil, err
	}
	return map[string]string{"status": "ok"}, nil
}

// memberOfPublication lets the owner and collaborators of the published
// document withdraw the publication.
func (h commandHandlers) memberOfPublication(ctx context.Context, args dispatch.Args, principal dispatch.Principal) error {
	publication, err := h.services.Publications.Get(ctx, args.Publication)
	if err != nil {
		return err
	}
	return h.predicates.isCollaboratorOrCreatorOf(ctx, publication.Document, principal)
}

func (h commandHandlers) listNetworks(ctx context.Context, _ dispatch.Args) (any, error) {
	return h.services.Publications.ListNetworks(ctx)
}

func (h commandHandlers) createNetwork(ctx context.Context, args dispatch.Args) (any, error) {
	network := publications.Network{
		ID:          args.Network,
		Name:        metaString(args.Meta, "name"),
		Description: metaString(args.Meta, "descr"),
		Cover:       metaString(args.Meta, "cover"),
		Color:       metaString(args.Meta, "color"),
		Creator:     args.Creator,
	}
	return h.services.Publications.CreateNetwork(ctx, network)
}

// blobPayload keeps JSON strings (typically data URLs) as their text and other JSON values verbatim.
func blobPayload(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return nil, apperr.WrongValue("hubstore.createBlob", "missing_data", nil)
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return []byte(text), nil
	}
	return []byte(raw), nil
}

func metaString(meta map[string]any, key string) string {
	if value, ok := meta[key].(string); ok {
		return value
	}
	return ""
}
