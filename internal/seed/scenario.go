package seed

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed fixtures/*.yaml
var fixtures embed.FS

// Scenario is a scripted data set: named accounts and the conversations
// between them, replayed in order.
type Scenario struct {
	Users   []ScenarioUser  `yaml:"users"`
	Directs []ScenarioChat  `yaml:"directs"`
	Groups  []ScenarioGroup `yaml:"groups"`
}

// ScenarioUser is one account of a scenario.
type ScenarioUser struct {
	Username string `yaml:"username"`
	FullName string `yaml:"full_name"`
	Email    string `yaml:"email"`
	Bio      string `yaml:"bio"`
	Password string `yaml:"password"`
}

// ScenarioChat is a direct conversation with its scripted history. ReadBy
// lists the members who have read everything at the end of the script.
type ScenarioChat struct {
	Members  []string          `yaml:"members"`
	Messages []ScenarioMessage `yaml:"messages"`
	ReadBy   []string          `yaml:"read_by"`
}

// ScenarioGroup is a group conversation with its scripted history.
type ScenarioGroup struct {
	Name        string            `yaml:"name"`
	Creator     string            `yaml:"creator"`
	Members     []string          `yaml:"members"`
	Description string            `yaml:"description"`
	Messages    []ScenarioMessage `yaml:"messages"`
	ReadBy      []string          `yaml:"read_by"`
}

// ScenarioMessage is one scripted message.
type ScenarioMessage struct {
	From string `yaml:"from"`
	Text string `yaml:"text"`
}

// ParseScenario decodes a YAML scenario and checks that every reference
// names a declared user.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if err := sc.validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// LoadScenario reads a scenario by name from the embedded fixtures, or from
// disk when name is a path to a .yaml/.yml file.
func LoadScenario(name string) (*Scenario, error) {
	var (
		data []byte
		err  error
	)
	if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
		data, err = os.ReadFile(name)
	} else {
		data, err = fixtures.ReadFile("fixtures/" + name + ".yaml")
	}
	if err != nil {
		return nil, fmt.Errorf("load scenario %q: %w", name, err)
	}
	return ParseScenario(data)
}

func (sc *Scenario) validate() error {
	known := make(map[string]bool, len(sc.Users))
	for _, u := range sc.Users {
		if u.Username == "" {
			return fmt.Errorf("scenario: user without username")
		}
		if known[u.Username] {
			return fmt.Errorf("scenario: duplicate user %q", u.Username)
		}
		known[u.Username] = true
	}

	check := func(where string, names ...string) error {
		for _, n := range names {
			if !known[n] {
				return fmt.Errorf("scenario: %s references unknown user %q", where, n)
			}
		}
		return nil
	}
	for i, c := range sc.Directs {
		where := fmt.Sprintf("direct #%d", i+1)
		if len(c.Members) != 2 {
			return fmt.Errorf("scenario: %s needs exactly 2 members", where)
		}
		if err := check(where, c.Members...); err != nil {
			return err
		}
		if err := checkScript(where, c.Members, c.Messages, c.ReadBy); err != nil {
			return err
		}
	}
	for _, g := range sc.Groups {
		where := fmt.Sprintf("group %q", g.Name)
		if err := check(where, append([]string{g.Creator}, g.Members...)...); err != nil {
			return err
		}
		if err := checkScript(where, append([]string{g.Creator}, g.Members...), g.Messages, g.ReadBy); err != nil {
			return err
		}
	}
	return nil
}

func checkScript(where string, members []string, msgs []ScenarioMessage, readBy []string) error {
	in := make(map[string]bool, len(members))
	for _, m := range members {
		in[m] = true
	}
	for _, m := range msgs {
		if !in[m.From] {
			return fmt.Errorf("scenario: %s has a message from non-member %q", where, m.From)
		}
	}
	for _, r := range readBy {
		if !in[r] {
			return fmt.Errorf("scenario: %s is read by non-member %q", where, r)
		}
	}
	return nil
}
