package model

type Action string

const (
	ActionCreateTask Action = "create_task"
	ActionAsk        Action = "ask"
	ActionComment    Action = "comment"
	ActionRespond    Action = "respond"
	ActionForward    Action = "forward"
)

// CreatesTask reports whether the action enqueues work rather than posting immediately.
func (a Action) CreatesTask() bool {
	return a == ActionCreateTask || a == ActionAsk
}

func (a Action) Valid() bool {
	switch a {
	case ActionCreateTask, ActionAsk, ActionComment, ActionRespond, ActionForward:
		return true
	}
	return false
}

type Comparator string

const (
	ComparatorContains Comparator = "contains"
	ComparatorEquals   Comparator = "equals"
	ComparatorPrefix   Comparator = "prefix"
	ComparatorExists   Comparator = "exists"
)

// Condition constrains the best-effort string found at Field.
type Condition struct {
	Field string     `yaml:"field" json:"field" jsonschema:"required,description=Dotted path into the event fields"`
	Op    Comparator `yaml:"op,omitempty" json:"op,omitempty" jsonschema:"enum=contains,enum=equals,enum=prefix,enum=exists,default=contains"`
	Value string     `yaml:"value,omitempty" json:"value,omitempty"`
}

// Rule is one webhook command. Rules are read-only to the pipeline.
type Rule struct {
	Name         string      `yaml:"name" json:"name" jsonschema:"required"`
	Trigger      string      `yaml:"trigger" json:"trigger" jsonschema:"required,description=Exact event type to match"`
	Conditions   []Condition `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Priority     int         `yaml:"priority,omitempty" json:"priority,omitempty" jsonschema:"description=Higher fires first"`
	Action       Action      `yaml:"action" json:"action" jsonschema:"required,enum=create_task,enum=ask,enum=comment,enum=respond,enum=forward"`
	TargetAgent  string      `yaml:"agent,omitempty" json:"agent,omitempty"`
	Model        string      `yaml:"model,omitempty" json:"model,omitempty"`
	TaskPriority Priority    `yaml:"task_priority,omitempty" json:"task_priority,omitempty" jsonschema:"enum=high,enum=normal,enum=low"`
	Template     string      `yaml:"template" json:"template" jsonschema:"required"`
	ForwardURL   string      `yaml:"forward_url,omitempty" json:"forward_url,omitempty"`
	Disabled     bool        `yaml:"disabled,omitempty" json:"disabled,omitempty"`

	// Declaration order within its webhook, assigned at load time.
	Index int `yaml:"-" json:"-"`
}

// SignatureScheme selects how an inbound request is authenticated.
type SignatureScheme string

const (
	SchemeHub         SignatureScheme = "hub"
	SchemeTimestamped SignatureScheme = "timestamped"
	SchemePlain       SignatureScheme = "plain"
	SchemeToken       SignatureScheme = "token"
)

type SignatureConfig struct {
	Scheme          SignatureScheme `yaml:"scheme,omitempty" json:"scheme,omitempty" jsonschema:"enum=hub,enum=timestamped,enum=plain,enum=token"`
	Header          string          `yaml:"header,omitempty" json:"header,omitempty"`
	TimestampHeader string          `yaml:"timestamp_header,omitempty" json:"timestamp_header,omitempty"`
	Prefix          string          `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Algorithm       string          `yaml:"algorithm,omitempty" json:"algorithm,omitempty" jsonschema:"enum=sha256,enum=sha1,enum=sha512"`
}

// WebhookConfig groups the rules reachable through one ingestion route.
type WebhookConfig struct {
	ID        string          `yaml:"id" json:"id" jsonschema:"required"`
	Provider  Provider        `yaml:"provider" json:"provider" jsonschema:"required,enum=github,enum=gitlab,enum=jira,enum=slack,enum=sentry"`
	Enabled   bool            `yaml:"enabled" json:"enabled"`
	Secret    string          `yaml:"secret" json:"secret" jsonschema:"description=Shared secret; ${VAR} is expanded from the environment"`
	Signature SignatureConfig `yaml:"signature,omitempty" json:"signature,omitempty"`
	Commands  []Rule          `yaml:"commands" json:"commands"`
}
