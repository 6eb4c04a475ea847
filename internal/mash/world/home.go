package world

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/mashworld/mash/common/spec/rules"
	"github.com/mashworld/mash/internal/mash/store"
)

// Descriptions of the home node and its seeded system instances.
const (
	HomeShortDesc = "a quiet home node"
	HomeLongDesc  = "A small pocket of space that answers only to you. A shimmering portal and a glowing directory hum quietly."

	PortalShortDesc = "a shimmering portal"
	PortalLongDesc  = "Step through and it will carry you somewhere, though never the same somewhere twice."

	DirectoryShortDesc = "a glowing directory"
	DirectoryLongDesc  = "A floating ledger of the links you have walked recently."
)

// homePermissions restricts the home node to its owner. The home node has no
// template, so ownership is expressed as a username list rather than the
// "owner" rule.
func homePermissions(username string) map[string]rules.PermRule {
	only := rules.PermRule{Kind: "list", Users: []string{username}}
	return map[string]rules.PermRule{
		rules.PermInteract: only,
		rules.PermInspect:  {Kind: "any"},
		rules.PermEdit:     only,
		rules.PermDelete:   {Kind: "none"},
		rules.PermContain:  only,
		rules.PermPerms:    only,
	}
}

// systemPermissions applies to the seeded portal and directory: usable by
// anyone standing in the node, touchable by nobody.
func systemPermissions() map[string]rules.PermRule {
	return map[string]rules.PermRule{
		rules.PermInteract: {Kind: "node"},
		rules.PermInspect:  {Kind: "any"},
		rules.PermEdit:     {Kind: "none"},
		rules.PermDelete:   {Kind: "none"},
		rules.PermContain:  {Kind: "none"},
		rules.PermPerms:    {Kind: "none"},
	}
}

// CreateHomeNode builds a new agent's home node with its two system
// instances: a random-destination portal and a link-usage directory.
func CreateHomeNode(ctx context.Context, s *store.Store, username string) (*store.Instance, error) {
	home := &store.Instance{
		ID:          uuid.NewString(),
		Kind:        store.KindNode,
		ShortDesc:   HomeShortDesc,
		LongDesc:    HomeLongDesc,
		Permissions: homePermissions(username),
	}
	if err := s.CreateInstance(ctx, home); err != nil {
		return nil, err
	}
	if err := seedHomeContents(ctx, s, home.ID); err != nil {
		return nil, err
	}
	return home, nil
}

// ResetHomeNode restores the home node's stock descriptions and fields and
// destroys everything in it except the seeded system instances. Missing
// system instances are re-seeded.
func ResetHomeNode(ctx context.Context, s *store.Store, home *store.Instance) error {
	if err := s.UpdateInstanceDescriptions(ctx, home.ID, HomeShortDesc, HomeLongDesc); err != nil {
		return err
	}
	if err := s.UpdateInstanceFields(ctx, home.ID, map[string]any{}); err != nil {
		return err
	}

	contents, err := s.ContainedAnywhere(ctx, store.ContainerInstance, home.ID)
	if err != nil {
		return err
	}
	haveSystem := map[string]bool{}
	for _, inst := range contents {
		if inst.SystemType != "" {
			haveSystem[inst.SystemType] = true
			continue
		}
		if err := DestroyCascade(ctx, s, inst); err != nil {
			return err
		}
	}
	if haveSystem[store.SystemRandomLink] && haveSystem[store.SystemLinkIndex] {
		return nil
	}
	return seedHomeContents(ctx, s, home.ID)
}

func seedHomeContents(ctx context.Context, s *store.Store, homeID string) error {
	contents, err := s.ContainedAnywhere(ctx, store.ContainerInstance, homeID)
	if err != nil {
		return err
	}
	have := map[string]bool{}
	for _, inst := range contents {
		if inst.SystemType != "" {
			have[inst.SystemType] = true
		}
	}

	if !have[store.SystemRandomLink] {
		portal := &store.Instance{
			ID:            uuid.NewString(),
			Kind:          store.KindLink,
			ShortDesc:     PortalShortDesc,
			LongDesc:      PortalLongDesc,
			Permissions:   systemPermissions(),
			ContainerType: store.ContainerInstance,
			ContainerID:   sql.NullString{String: homeID, Valid: true},
			SystemType:    store.SystemRandomLink,
		}
		if err := s.CreateInstance(ctx, portal); err != nil {
			return err
		}
	}
	if !have[store.SystemLinkIndex] {
		directory := &store.Instance{
			ID:            uuid.NewString(),
			Kind:          store.KindThing,
			ShortDesc:     DirectoryShortDesc,
			LongDesc:      DirectoryLongDesc,
			Permissions:   systemPermissions(),
			ContainerType: store.ContainerInstance,
			ContainerID:   sql.NullString{String: homeID, Valid: true},
			SystemType:    store.SystemLinkIndex,
		}
		if err := s.CreateInstance(ctx, directory); err != nil {
			return err
		}
	}
	return nil
}
