package search

// Result is a single audit-search hit returned to the console.
type Result struct {
	ID         string `json:"id"`
	Bucket     string `json:"bucket"`
	Collection string `json:"collection"`
	Action     string `json:"action"`
	ToStatus   string `json:"toStatus"`
	Comment    string `json:"comment"`
	Author     string `json:"author"`
	CreatedAt  string `json:"createdAt"`
}

// Query describes an audit search request.
type Query struct {
	Text   string
	Bucket string
	Limit  int
}

// Response is the envelope returned by the audit search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over the audit log.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Entry is the data we index for one audit log entry.
type Entry struct {
	ID         string `json:"id"`
	Bucket     string `json:"bucket"`
	Collection string `json:"collection"`
	Action     string `json:"action"`
	ToStatus   string `json:"toStatus"`
	Comment    string `json:"comment"`
	Author     string `json:"author"`
	CreatedAt  string `json:"createdAt"`
}
