package model

// Document is a BI document that the render engine can execute.
type Document struct {
	ID           int64    `json:"id"`
	Label        string   `json:"label"`
	Name         string   `json:"name"`
	Organization string   `json:"organization"`
	ExecRoles    []string `json:"exec_roles"` // roles allowed to execute the document
	Drivers      []Driver `json:"drivers"`    // in declared order
}

// Driver is an analytical driver declared on a document.
type Driver struct {
	URLName  string `json:"url_name"`
	Label    string `json:"label"`
	Position int    `json:"position"`
}

// ImageAsset is an image produced for a template report.
type ImageAsset struct {
	Name string `json:"name"`
	Path string `json:"path"`
}
