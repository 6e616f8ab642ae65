package models

import "time"

// CardForm is the accumulated wizard input for one card. Pure value object;
// uploaded photos travel as URLs, never as file handles.
type CardForm struct {
	CardType  string `json:"cardType"`
	Tone      string `json:"tone,omitempty"`
	To        string `json:"toField,omitempty"`
	From      string `json:"fromField,omitempty"`
	Message   string `json:"message,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
	Style     string `json:"artStyle,omitempty"`
	Email     string `json:"userEmail,omitempty"`
	Model     string `json:"selectedImageModel,omitempty"`
	PhotoURL  string `json:"referenceImageUrl,omitempty"`
	PaperSize string `json:"paperSize,omitempty"`
}

// DraftCard is one low-cost front-cover preview variation.
type DraftCard struct {
	Slot       int    `json:"slot"`
	JobID      string `json:"jobId,omitempty"`
	FrontCover string `json:"frontCover"`
	Prompt     string `json:"prompt,omitempty"`
}

// CardData is the fully rendered card: all four print panels plus metadata.
type CardData struct {
	ID         string    `json:"id,omitempty"`
	Title      string    `json:"title,omitempty"`
	Prompt     string    `json:"prompt,omitempty"`
	FrontCover string    `json:"frontCover"`
	BackCover  string    `json:"backCover,omitempty"`
	LeftPage   string    `json:"leftPage,omitempty"`
	RightPage  string    `json:"rightPage,omitempty"`
	Thumbnail  string    `json:"thumbnail,omitempty"`
	CreatedAt  time.Time `json:"createdAt,omitempty"`
}

// WizardState records the user's position in the creation wizard.
type WizardState struct {
	CurrentStep    int   `json:"currentStep"`
	CompletedSteps []int `json:"completedSteps"`
}

// JobUpdate is the realtime event emitted for every job state change. Field
// names are the wire contract shared by the WebSocket channel and the
// job-status endpoint.
type JobUpdate struct {
	JobID     string     `json:"job_id"`
	Status    string     `json:"status"`
	Progress  int        `json:"progress,omitempty"`
	Message   string     `json:"message,omitempty"`
	CardData  *CardData  `json:"cardData,omitempty"`
	DraftCard *DraftCard `json:"draft_card,omitempty"`
	Error     string     `json:"error,omitempty"`
}
