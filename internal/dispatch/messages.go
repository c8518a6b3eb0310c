package dispatch

import (
	_ "embed"
	"fmt"
	"os"
	"reflect"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed messages.yaml
var defaultMessagesYAML []byte

// Messages is the user-facing reply catalog. Values may contain the
// placeholders {name}, {section}, {draft} and {links}.
type Messages struct {
	Welcome           string `yaml:"welcome"`
	StartNewLabel     string `yaml:"start_new_label"`
	UseExistingLabel  string `yaml:"use_existing_label"`
	FileUploaded      string `yaml:"file_uploaded"`
	FileFailed        string `yaml:"file_failed"`
	ModeCreating      string `yaml:"mode_creating"`
	ModeEditing       string `yaml:"mode_editing"`
	ChooseMode        string `yaml:"choose_mode"`
	SectionSaved      string `yaml:"section_saved"`
	SendForReview     string `yaml:"send_for_review_label"`
	EmptySection      string `yaml:"empty_section"`
	EmptyContent      string `yaml:"empty_content"`
	Submitted         string `yaml:"submitted"`
	NothingToReview   string `yaml:"nothing_to_review"`
	SubmitUndelivered string `yaml:"submit_undelivered"`
	NoticeApproved    string `yaml:"notice_approved"`
	NoticeDenied      string `yaml:"notice_denied"`
	ReviewerApproved  string `yaml:"reviewer_approved"`
	ReviewerDenied    string `yaml:"reviewer_denied"`
	ReviewerNoop      string `yaml:"reviewer_noop"`
	ReviewerInvalid   string `yaml:"reviewer_invalid"`
	LinksFailed       string `yaml:"links_failed"`
	ConsultLabel      string `yaml:"consult_label"`
	UpstreamFailure   string `yaml:"upstream_failure"`
	InternalError     string `yaml:"internal_error"`
}

// DefaultMessages returns the built-in catalog.
func DefaultMessages() Messages {
	var m Messages
	if err := yaml.Unmarshal(defaultMessagesYAML, &m); err != nil {
		panic(fmt.Sprintf("embedded messages.yaml: %v", err))
	}
	return m
}

// LoadMessages overlays the YAML file at path onto the defaults. Keys the
// file omits keep their default text. An empty path returns the defaults.
func LoadMessages(path string) (Messages, error) {
	m := DefaultMessages()
	if path == "" {
		return m, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Messages{}, fmt.Errorf("read messages: %w", err)
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Messages{}, fmt.Errorf("parse messages %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return Messages{}, fmt.Errorf("messages %s: %w", path, err)
	}
	return m, nil
}

// Validate rejects blank entries.
func (m Messages) Validate() error {
	v := reflect.ValueOf(m)
	t := v.Type()
	var missing []string
	for i := 0; i < t.NumField(); i++ {
		if strings.TrimSpace(v.Field(i).String()) == "" {
			missing = append(missing, t.Field(i).Tag.Get("yaml"))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("empty messages: %s", strings.Join(missing, ", "))
	}
	return nil
}

func fill(template string, pairs ...string) string {
	return strings.NewReplacer(pairs...).Replace(template)
}
