// Package identity maps provider-side identifiers back to local billing
// entities. Misattributing billing data is a correctness violation, so the
// resolver either finds exactly one owner or fails hard; it never guesses.
package identity

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukerupert/bywater/internal/billing/store"
)

// ErrUnresolved means no fallback produced a billing entity. Webhook
// processing must fail on it so the provider retries instead of the
// subscription being stored ownerless.
var ErrUnresolved = errors.New("billing entity unresolved")

// Ref carries every identifier a webhook can offer: the checkout-time
// external ID, the provider's own customer ID, and the legacy metadata
// channel.
type Ref struct {
	ExternalID string
	CustomerID string
	Metadata   map[string]any
}

// Identity is a resolved billing entity: exactly one field is set.
type Identity struct {
	UserID         *string
	OrganizationID *string
}

// EntityID returns the resolved entity's ID.
func (id Identity) EntityID() string {
	if id.OrganizationID != nil {
		return *id.OrganizationID
	}
	if id.UserID != nil {
		return *id.UserID
	}
	return ""
}

type Resolver struct {
	entities *store.EntityStore
	links    *store.CustomerLinkStore
	logger   *slog.Logger
}

func NewResolver(entities *store.EntityStore, links *store.CustomerLinkStore, logger *slog.Logger) *Resolver {
	return &Resolver{entities: entities, links: links, logger: logger}
}

// Resolve tries, in order: the external ID as an organization, the external
// ID as a user, the legacy metadata IDs, and finally the customer-link
// table keyed by the provider customer ID. Returns ErrUnresolved when every
// fallback misses.
func (r *Resolver) Resolve(ref Ref) (Identity, error) {
	if ref.ExternalID != "" {
		id, err := r.lookupEntity(ref.ExternalID)
		if err != nil {
			return Identity{}, err
		}
		if id.EntityID() != "" {
			return id, nil
		}
	}

	// Legacy channel: identity stashed in checkout metadata before
	// external IDs existed.
	if orgID, ok := metadataString(ref.Metadata, "organizationId"); ok {
		exists, err := r.entities.OrganizationExists(orgID)
		if err != nil {
			return Identity{}, err
		}
		if exists {
			return Identity{OrganizationID: &orgID}, nil
		}
		r.logger.Warn("metadata organization not found", "organization_id", orgID)
	}
	if userID, ok := metadataString(ref.Metadata, "userId"); ok {
		exists, err := r.entities.UserExists(userID)
		if err != nil {
			return Identity{}, err
		}
		if exists {
			return Identity{UserID: &userID}, nil
		}
		r.logger.Warn("metadata user not found", "user_id", userID)
	}

	if ref.CustomerID != "" {
		link, err := r.links.GetByPolarCustomerID(ref.CustomerID)
		if err != nil {
			return Identity{}, err
		}
		if link != nil {
			return Identity{UserID: link.UserID, OrganizationID: link.OrganizationID}, nil
		}
	}

	return Identity{}, fmt.Errorf("%w: external_id=%q customer_id=%q", ErrUnresolved, ref.ExternalID, ref.CustomerID)
}

// lookupEntity checks an opaque ID against organizations first, then users.
func (r *Resolver) lookupEntity(id string) (Identity, error) {
	exists, err := r.entities.OrganizationExists(id)
	if err != nil {
		return Identity{}, err
	}
	if exists {
		return Identity{OrganizationID: &id}, nil
	}
	exists, err = r.entities.UserExists(id)
	if err != nil {
		return Identity{}, err
	}
	if exists {
		return Identity{UserID: &id}, nil
	}
	return Identity{}, nil
}

func metadataString(meta map[string]any, key string) (string, bool) {
	if meta == nil {
		return "", false
	}
	s, ok := meta[key].(string)
	return s, ok && s != ""
}
