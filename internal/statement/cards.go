package statement

import (
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"
)

// CardResolver maps a free-text card identifier to a card of the user
type CardResolver interface {
	// Resolve returns the user's card matching identifier, creating it if needed
	Resolve(tx Tx, userID, identifier string) (*Card, error)
}

// cardResolver matches on last four digits or holder name
type cardResolver struct {
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewCardResolver creates a CardResolver
func NewCardResolver(idGen IDGenerator, timeSrc TimeSource) CardResolver {
	return &cardResolver{
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// Resolve looks the identifier up among the user's cards. Either a last four
// digits match or a holder name match counts as the same card, so two physical
// cards sharing a name collapse into one record.
func (r *cardResolver) Resolve(tx Tx, userID, identifier string) (*Card, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, fmt.Errorf("resolving card: empty identifier")
	}

	cards, err := tx.ListCards(userID)
	if err != nil {
		return nil, fmt.Errorf("listing cards: %w", err)
	}
	for _, card := range cards {
		if card.LastFourDigits != nil && *card.LastFourDigits == identifier {
			return card, nil
		}
		if card.HolderName != nil && strings.EqualFold(*card.HolderName, identifier) {
			return card, nil
		}
	}

	card := &Card{
		ID:        r.idGenerator.Generate(),
		UserID:    userID,
		CreatedAt: r.timeSource.Now(),
	}
	if utf8.RuneCountInString(identifier) == 4 {
		card.LastFourDigits = &identifier
	} else {
		card.HolderName = &identifier
	}
	if err := tx.PutCard(card); err != nil {
		return nil, fmt.Errorf("saving card: %w", err)
	}

	slog.Info("Created card", "card_id", card.ID, "user_id", userID, "identifier", identifier)
	return card, nil
}
