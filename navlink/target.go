// Package navlink hands entity-navigation targets between browsing contexts.
//
// A target ("open event-123 in the event profile") reaches a profile view in
// one of three ways: a URL fragment written by a deep link, a session-scoped
// storage entry written by the launching app, or a live push over the message
// bus or a cross-tab storage change. Each way is an Inbox; a Resolver polls
// its inboxes in priority order when a view attaches and then listens for
// live pushes.
package navlink

import (
	"errors"
	"fmt"
)

// ProfileType is the category of entity a target refers to.
type ProfileType string

const (
	ProfileInstallation  ProfileType = "installation"
	ProfileEvent         ProfileType = "event"
	ProfileEquipment     ProfileType = "equipment"
	ProfileOrganization  ProfileType = "organization"
	ProfileMilitaryGroup ProfileType = "militaryGroup"
	ProfileNSAGActor     ProfileType = "nsagActor"
)

var (
	// ErrUnknownProfile is returned for a profile type outside the known set.
	ErrUnknownProfile = errors.New("unknown profile type")
	// ErrEmptyEntityID is returned for a target without an entity id.
	ErrEmptyEntityID = errors.New("entity id is required")
)

// ProfileTypes lists every known profile type.
func ProfileTypes() []ProfileType {
	return []ProfileType{
		ProfileInstallation,
		ProfileEvent,
		ProfileEquipment,
		ProfileOrganization,
		ProfileMilitaryGroup,
		ProfileNSAGActor,
	}
}

// Valid reports whether p is a known profile type.
func (p ProfileType) Valid() bool {
	switch p {
	case ProfileInstallation, ProfileEvent, ProfileEquipment,
		ProfileOrganization, ProfileMilitaryGroup, ProfileNSAGActor:
		return true
	}
	return false
}

func (p ProfileType) String() string { return string(p) }

// ParseProfileType converts s to a ProfileType.
func ParseProfileType(s string) (ProfileType, error) {
	p := ProfileType(s)
	if !p.Valid() {
		return "", fmt.Errorf("%q: %w", s, ErrUnknownProfile)
	}
	return p, nil
}

// Target identifies an entity to open in a profile view.
type Target struct {
	Profile  ProfileType
	EntityID string
}

// Validate checks that t names a known profile and an entity.
func (t Target) Validate() error {
	if !t.Profile.Valid() {
		return fmt.Errorf("%q: %w", t.Profile, ErrUnknownProfile)
	}
	if t.EntityID == "" {
		return ErrEmptyEntityID
	}
	return nil
}

func (t Target) String() string {
	return string(t.Profile) + "/" + t.EntityID
}
