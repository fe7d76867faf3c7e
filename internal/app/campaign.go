package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"smartsend/internal/config"
	"smartsend/internal/contact"
	"smartsend/internal/dispatch"
	"smartsend/internal/template"
	"smartsend/internal/timing"
)

// Campaign is an operator-written send job (JSON or YAML).
//
// Example:
//
//	name: october-promo
//	template: "{Hi|Hello} {first_name}, {promo} ends soon"
//	timing: 8s-20s
//	context: { promo: "20% off" }
//	csv: contacts.csv
//	schedule: "0 9 * * 1-5"
type Campaign struct {
	Name     string            `json:"name"`
	Template string            `json:"template"`
	Timing   string            `json:"timing,omitempty"`
	Context  map[string]string `json:"context,omitempty"`

	Recipients []contact.Recipient `json:"recipients,omitempty"`
	// CSV is read on every launch; a relative path is resolved against the
	// campaign file.
	CSV string `json:"csv,omitempty"`

	Schedule   string `json:"schedule,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`

	dir string
}

var ErrCampaignInvalid = errors.New("campaign invalid")

// LoadCampaign reads and strictly decodes a campaign file.
func LoadCampaign(path string) (*Campaign, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Campaign
	if err := config.DecodeStrict(path, b, &c); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	c.dir = filepath.Dir(path)
	if strings.TrimSpace(c.Name) == "" {
		c.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if strings.TrimSpace(c.Template) == "" {
		return nil, fmt.Errorf("%w: template is empty", ErrCampaignInvalid)
	}
	if len(c.Recipients) == 0 && strings.TrimSpace(c.CSV) == "" {
		return nil, fmt.Errorf("%w: no recipients or csv", ErrCampaignInvalid)
	}
	return &c, nil
}

// LoadRecipients returns inline recipients followed by the CSV rows, and the
// number of CSV rows skipped for having no phone.
func (c *Campaign) LoadRecipients() ([]contact.Recipient, int, error) {
	out := make([]contact.Recipient, 0, len(c.Recipients))
	for _, r := range c.Recipients {
		out = append(out, r.Clone())
	}
	path := strings.TrimSpace(c.CSV)
	if path == "" {
		return out, 0, nil
	}
	if !filepath.IsAbs(path) && c.dir != "" {
		path = filepath.Join(c.dir, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	rows, skipped, err := contact.ReadCSV(f)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return append(out, rows...), skipped, nil
}

// Policy is the campaign's timing, or def when it sets none.
func (c *Campaign) Policy(def timing.Policy) (timing.Policy, error) {
	if strings.TrimSpace(c.Timing) == "" {
		return def, nil
	}
	p, err := timing.Parse(c.Timing)
	if err != nil {
		return timing.Policy{}, fmt.Errorf("campaign timing: %w", err)
	}
	return p, nil
}

// Request builds a batch request with freshly loaded recipients.
func (c *Campaign) Request(def timing.Policy) (dispatch.BatchRequest, error) {
	p, err := c.Policy(def)
	if err != nil {
		return dispatch.BatchRequest{}, err
	}
	rcpts, _, err := c.LoadRecipients()
	if err != nil {
		return dispatch.BatchRequest{}, err
	}
	return dispatch.BatchRequest{
		Name:       c.Name,
		Template:   c.Template,
		Recipients: rcpts,
		Policy:     p,
		Context:    c.Context,
		MaxRetries: c.MaxRetries,
	}, nil
}

// Validate checks the template against the campaign context, the
// attribute columns of rcpts and the variables the engine supplies.
func (c *Campaign) Validate(rcpts []contact.Recipient) template.Issues {
	attrs := contact.AttributeKeys(rcpts)
	known := make([]string, 0, len(c.Context)+len(attrs)+len(dispatch.EngineVars))
	for k := range c.Context {
		known = append(known, k)
	}
	known = append(known, attrs...)
	known = append(known, dispatch.EngineVars...)
	return template.Validate(c.Template, known...)
}
