package dto

// CreateConnectionRequest starts a new bank connection authorization.
type CreateConnectionRequest struct {
	Provider      string `json:"provider" binding:"required"`
	InstitutionID string `json:"institution_id"`
	Organizer     string `json:"organizer" binding:"required"`
	RedirectURL   string `json:"redirect_url"`
}

// ReviewRequest identifies the human resolving a suggestion.
type ReviewRequest struct {
	Reviewer string `json:"reviewer" binding:"required"`
}
