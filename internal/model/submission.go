package model

// Profile identifies the caller a dossier is executed for.
type Profile struct {
	UserID       string   `json:"user_id"`
	UniqueID     string   `json:"unique_id"`
	UserName     string   `json:"user_name"`
	Organization string   `json:"organization"`
	Roles        []string `json:"roles"` // checked in this order
}

// Placeholder pairs a document label with the image placeholder it renders into.
type Placeholder struct {
	DocumentLabel string `json:"document_label"`
	ImageName     string `json:"image_name"`
}

// Submission is the unit of work published for the dossier worker.
type Submission struct {
	JobID     int64         `json:"job_id"`
	RandomKey string        `json:"random_key"`
	Template  Template      `json:"template"`
	Documents []Placeholder `json:"documents"`
	Profile   Profile       `json:"profile"`
}
