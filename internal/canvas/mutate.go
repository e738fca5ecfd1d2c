package canvas

// Mutation core: pure functions that take an in-memory collection and return
// the collection after one mutation. Every function is idempotent and
// order-tolerant: applying the same mutation twice, or applying mutations
// for independent entities in either order, yields the same collection. The
// functions never mutate their input maps; callers receive a fresh map with
// copy-on-write entries.

// Cards is the in-memory card collection keyed by card id.
type Cards map[string]Card

// Elements is the in-memory element collection keyed by element id.
type Elements map[string]Element

func (cards Cards) copyWith(updated Card) Cards {
	next := make(Cards, len(cards)+1)
	for id, card := range cards {
		next[id] = card
	}
	next[updated.ID] = updated
	return next
}

func (cards Cards) copyWithout(cardID string) Cards {
	next := make(Cards, len(cards))
	for id, card := range cards {
		if id == cardID {
			continue
		}
		next[id] = card
	}
	return next
}

// AddCard inserts the card unless its id is already present.
func AddCard(cards Cards, card Card) Cards {
	if _, exists := cards[card.ID]; exists {
		return cards
	}
	return cards.copyWith(card.Clone())
}

// DeleteCard removes the card; deleting an absent id is a no-op.
func DeleteCard(cards Cards, cardID string) Cards {
	if _, exists := cards[cardID]; !exists {
		return cards
	}
	return cards.copyWithout(cardID)
}

// MoveCard overwrites the card position. Unknown ids are ignored; the card
// will arrive via a future bulk sync.
func MoveCard(cards Cards, cardID string, position Position) Cards {
	card, exists := cards[cardID]
	if !exists {
		return cards
	}
	card = card.Clone()
	card.Position = position
	return cards.copyWith(card)
}

// ResizeCard overwrites the card size.
func ResizeCard(cards Cards, cardID string, size Size) Cards {
	card, exists := cards[cardID]
	if !exists {
		return cards
	}
	card = card.Clone()
	card.Size = size
	return cards.copyWith(card)
}

// RecolorCard overwrites the card color.
func RecolorCard(cards Cards, cardID string, color string) Cards {
	card, exists := cards[cardID]
	if !exists {
		return cards
	}
	card = card.Clone()
	card.Color = color
	return cards.copyWith(card)
}

// UpdateCardContent overwrites the rich-text content document.
func UpdateCardContent(cards Cards, cardID string, contentJSON string) Cards {
	card, exists := cards[cardID]
	if !exists {
		return cards
	}
	card = card.Clone()
	card.ContentJSON = contentJSON
	return cards.copyWith(card)
}

// VoteCard records one vote by the user. Voting twice is a no-op, which keeps
// the voter-set-size == vote-count invariant under redelivered envelopes.
func VoteCard(cards Cards, cardID, userID string) Cards {
	card, exists := cards[cardID]
	if !exists || card.HasVoter(userID) {
		return cards
	}
	card = card.Clone()
	card.VoterIDs = append(card.VoterIDs, userID)
	card.Votes = len(card.VoterIDs)
	return cards.copyWith(card)
}

// ReactCard toggles the user's emoji reaction on the card.
func ReactCard(cards Cards, cardID, emoji, userID string) Cards {
	card, exists := cards[cardID]
	if !exists {
		return cards
	}
	card = card.Clone()
	if card.Reactions == nil {
		card.Reactions = make(map[string][]string)
	}
	if card.HasReaction(emoji, userID) {
		reactors := card.Reactions[emoji][:0]
		for _, reactor := range card.Reactions[emoji] {
			if reactor != userID {
				reactors = append(reactors, reactor)
			}
		}
		if len(reactors) == 0 {
			delete(card.Reactions, emoji)
		} else {
			card.Reactions[emoji] = reactors
		}
	} else {
		card.Reactions[emoji] = append(card.Reactions[emoji], userID)
	}
	return cards.copyWith(card)
}

// PositionPatch is one entry of a bulk position batch.
type PositionPatch struct {
	ID string `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}

// ApplyPositions applies a bulk position batch, one independent patch per id.
// Unknown ids are skipped, so partial application is safe.
func ApplyPositions(cards Cards, patches []PositionPatch) Cards {
	next := cards
	for _, patch := range patches {
		next = MoveCard(next, patch.ID, Position{X: patch.X, Y: patch.Y})
	}
	return next
}

// MergeMissingCards merges a bulk snapshot into the collection, adding only
// ids that are absent locally. An id already present may carry a fresher
// in-flight mutation and must not be overwritten by a stale snapshot.
func MergeMissingCards(cards Cards, snapshot []Card) Cards {
	next := cards
	for _, card := range snapshot {
		next = AddCard(next, card)
	}
	return next
}

func (elements Elements) copyWith(updated Element) Elements {
	next := make(Elements, len(elements)+1)
	for id, element := range elements {
		next[id] = element
	}
	next[updated.ID] = updated
	return next
}

// AddElement inserts the element unless its id is already present.
func AddElement(elements Elements, element Element) Elements {
	if _, exists := elements[element.ID]; exists {
		return elements
	}
	return elements.copyWith(element.Clone())
}

// DeleteElement removes the element; absent ids are a no-op.
func DeleteElement(elements Elements, elementID string) Elements {
	if _, exists := elements[elementID]; !exists {
		return elements
	}
	next := make(Elements, len(elements))
	for id, element := range elements {
		if id == elementID {
			continue
		}
		next[id] = element
	}
	return next
}

// MoveElement overwrites the element position.
func MoveElement(elements Elements, elementID string, position Position) Elements {
	element, exists := elements[elementID]
	if !exists {
		return elements
	}
	element.Position = position
	return elements.copyWith(element)
}

// ResizeElement overwrites the element size.
func ResizeElement(elements Elements, elementID string, size Size) Elements {
	element, exists := elements[elementID]
	if !exists {
		return elements
	}
	element.Size = size
	return elements.copyWith(element)
}

// UpdateElementData overwrites the element payload.
func UpdateElementData(elements Elements, elementID string, data ElementData) Elements {
	element, exists := elements[elementID]
	if !exists {
		return elements
	}
	element.Data = data
	return elements.copyWith(element)
}

// MergeMissingElements merges a bulk snapshot, adding only absent ids.
func MergeMissingElements(elements Elements, snapshot []Element) Elements {
	next := elements
	for _, element := range snapshot {
		next = AddElement(next, element)
	}
	return next
}
