package model

// Template is a dossier template: one report per placeholder of the final document.
type Template struct {
	Name    string   `json:"name"`
	Reports []Report `json:"reports"`
}

// Report binds a BI document to the image placeholder it fills.
type Report struct {
	Label      string      `json:"label"`      // document label
	ImageName  string      `json:"image_name"` // unique inside a template
	Parameters []Parameter `json:"parameters"`
}

// Parameter is a template value for a document driver.
// An empty Value marks a dynamic parameter filled from the document driver.
type Parameter struct {
	URLName string `json:"url_name"`
	Value   string `json:"value"`
}

// Filled reports whether the parameter already carries a value.
func (p Parameter) Filled() bool {
	return p.Value != ""
}
