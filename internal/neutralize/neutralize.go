package neutralize

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

// Statement is one scrub step. When Table is set, the statement only runs
// if that table exists, so one policy works across Odoo versions and
// module sets.
type Statement struct {
	Table string `yaml:"table,omitempty"`
	SQL   string `yaml:"sql"`
}

// Policy describes how a restored database is cut off from production
// integrations before the instance starts using it.
type Policy struct {
	Statements []Statement `yaml:"statements"`
}

// DefaultPolicy disables the integrations a copied production database
// must not keep acting on.
func DefaultPolicy() Policy {
	return Policy{
		Statements: []Statement{
			{Table: "ir_mail_server", SQL: "UPDATE ir_mail_server SET active = false"},
			{Table: "fetchmail_server", SQL: "UPDATE fetchmail_server SET active = false"},
			{Table: "ir_cron", SQL: "UPDATE ir_cron SET active = false"},
			{Table: "payment_provider", SQL: "UPDATE payment_provider SET state = 'disabled'"},
			{
				Table: "ir_config_parameter",
				SQL: "INSERT INTO ir_config_parameter (key, value) VALUES ('database.is_neutralized', 'true') " +
					"ON CONFLICT (key) DO UPDATE SET value = 'true'",
			},
		},
	}
}

// LoadPolicy reads a policy file. An empty path selects the default
// policy.
func LoadPolicy(path string) (Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read neutralize policy %s: %w", path, err)
	}

	var policy Policy
	if err := yaml.UnmarshalStrict(data, &policy); err != nil {
		return Policy{}, fmt.Errorf("failed to parse neutralize policy %s: %w", path, err)
	}
	if len(policy.Statements) == 0 {
		return Policy{}, fmt.Errorf("neutralize policy %s has no statements", path)
	}
	for i, stmt := range policy.Statements {
		if strings.TrimSpace(stmt.SQL) == "" {
			return Policy{}, fmt.Errorf("neutralize policy %s: statement %d has no sql", path, i)
		}
	}

	return policy, nil
}

// SQL renders the policy as a single psql script. Table-scoped statements
// are wrapped in an existence guard.
func (p Policy) SQL() string {
	var b strings.Builder
	for _, stmt := range p.Statements {
		if stmt.Table == "" {
			b.WriteString(stmt.SQL)
			b.WriteString(";\n")
			continue
		}
		fmt.Fprintf(&b, `DO $$
BEGIN
    IF to_regclass('public.%s') IS NOT NULL THEN
        %s;
    END IF;
END
$$;
`, stmt.Table, stmt.SQL)
	}
	return b.String()
}
