// pkg/registry/schema.go
package registry

// Registry is the startup seed: the notification templates the triggers render
// and the job activities the workers serve.
type Registry struct {
	Version     string        `json:"version"`
	LastUpdated string        `json:"lastUpdated"`
	Templates   []TemplateDef `json:"templates"`
	Activities  []Activity    `json:"activities"`
}

type TemplateDef struct {
	Code            string   `json:"code"`
	Name            string   `json:"name"`
	Category        string   `json:"category"`
	Subject         string   `json:"subject"`
	Body            string   `json:"body"`
	ShortMessage    string   `json:"shortMessage,omitempty"`
	Placeholders    []string `json:"placeholders"`
	DefaultPriority string   `json:"defaultPriority"`
	DefaultChannels []string `json:"defaultChannels"`
}

type Activity struct {
	ID           string                 `json:"id"`
	DisplayName  string                 `json:"displayName"`
	Description  string                 `json:"description"`
	Category     string                 `json:"category"`
	TaskType     string                 `json:"taskType"`
	InputSchema  map[string]interface{} `json:"inputSchema"`
	OutputSchema map[string]interface{} `json:"outputSchema"`
	ErrorCodes   []string               `json:"errorCodes"`
	Timeout      string                 `json:"timeout"`
	Retries      int                    `json:"retries"`
	Tags         []string               `json:"tags"`
}
