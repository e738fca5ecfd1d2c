package canvas

// Permission gate: pure predicates consulted before any mutation is
// accepted. Both the direct-manipulation path and the AI tool path route
// through these, so authorization lives in exactly one place.

// CanMutate reports whether the actor may add, edit, move, resize, delete,
// recolor, or refine entities in the session. A locked session admits only
// the creator role.
func CanMutate(session Session, actorRole Role) bool {
	if !session.Locked {
		return true
	}
	return actorRole == RoleCreator
}

// CanVote reports whether the actor may vote on the card. Users never vote
// on their own cards, and a locked session additionally requires the
// creator role.
func CanVote(session Session, card Card, actorID string, actorRole Role) bool {
	if card.CreatedByID == actorID {
		return false
	}
	return CanMutate(session, actorRole)
}

// CanReact mirrors CanVote: no reacting to one's own card.
func CanReact(session Session, card Card, actorID string, actorRole Role) bool {
	return CanVote(session, card, actorID, actorRole)
}

// CanConfigureSession reports whether the actor may change session settings
// such as the lock flag or expiry.
func CanConfigureSession(actorRole Role) bool {
	return actorRole == RoleCreator
}

// CanRenameSession reports whether the actor may rename the session.
func CanRenameSession(actorRole Role) bool {
	return actorRole == RoleCreator
}

// CanDeleteSession reports whether the actor may delete the session.
func CanDeleteSession(actorRole Role) bool {
	return actorRole == RoleCreator
}
