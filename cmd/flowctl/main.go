// Command flowctl inspects flow documents offline: it prints the summary of
// every rule and checks a flow against the same rules the server enforces.
// It also checks capability policy files.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/flowdesk/internal/capability"
	"github.com/pitabwire/flowdesk/internal/registry"
	"github.com/pitabwire/flowdesk/internal/schema"
	"github.com/pitabwire/flowdesk/internal/summary"
	"github.com/pitabwire/flowdesk/model"
)

type cli struct {
	timezone  string
	layout    string
	overrides string

	organization string

	summarizer *summary.Summarizer
	registry   *registry.Registry
}

// errInvalid marks a validate run that found problems.
var errInvalid = errors.New("flow is invalid")

func (c *cli) setup(*cobra.Command, []string) error {
	c.registry = registry.New()
	if c.overrides != "" {
		if _, err := registry.NewOverrideLoader(c.overrides, c.registry, zap.NewNop()); err != nil {
			return err
		}
	}
	f, err := schema.NewFormatterForZone(c.timezone, c.layout)
	if err != nil {
		return err
	}
	c.summarizer = summary.New(c.registry, f)
	return nil
}

func (c *cli) describe(cmd *cobra.Command, args []string) error {
	f, err := readFlow(args[0])
	if err != nil {
		return err
	}
	printDescription(cmd.OutOrStdout(), c.summarizer.DescribeFlow(f))
	return nil
}

func (c *cli) validate(cmd *cobra.Command, args []string) error {
	f, err := readFlow(args[0])
	if err != nil {
		return err
	}
	problems := validateFlow(f, c.registry)
	out := cmd.OutOrStdout()
	if len(problems) == 0 {
		fmt.Fprintf(out, "%s: ok (%d triggers, %d actions)\n", f.Ref(), len(f.Triggers), len(f.Actions))
		return nil
	}
	for _, p := range problems {
		fmt.Fprintf(out, "%s: %s (%s)\n", p.Field, p.Message, p.Code)
	}
	return fmt.Errorf("%w: %d problem(s)", errInvalid, len(problems))
}

func readFlow(path string) (model.Flow, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return model.Flow{}, fmt.Errorf("read %s: %w", path, err)
	}
	var f model.Flow
	if err := json.Unmarshal(data, &f); err != nil {
		return model.Flow{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return f, nil
}

func printDescription(w io.Writer, d summary.FlowDescriptor) {
	fmt.Fprintf(w, "%s (%s %s)\n", d.Name, d.Scope, d.ID)
	for _, group := range []struct {
		label string
		rules []summary.RuleDescriptor
	}{{"Triggers", d.Triggers}, {"Actions", d.Actions}} {
		fmt.Fprintf(w, "%s:\n", group.label)
		if len(group.rules) == 0 {
			fmt.Fprintln(w, "  (none)")
		}
		for _, r := range group.rules {
			fmt.Fprintf(w, "  [%s] %s: %s\n", r.ID, r.Title, r.Summary)
		}
	}
}

// validateFlow collects the structural problems of f and the detail
// problems of each of its rules, prefixed with the rule's position.
func validateFlow(f model.Flow, reg *registry.Registry) []model.FieldError {
	var problems []model.FieldError
	if err := f.Validate(); err != nil {
		problems = append(problems, fieldErrors("", err)...)
	}
	for _, kind := range []model.RuleKind{model.KindTrigger, model.KindAction} {
		for i, r := range f.Rules(kind) {
			if _, known := reg.Lookup(r.Type); !known {
				problems = append(problems, model.FieldError{
					Field:   fmt.Sprintf("%s[%d].type", kind.Collection(), i),
					Code:    "unknown",
					Message: fmt.Sprintf("unknown rule type %q", r.Type),
				})
				continue
			}
			if err := schema.ValidateKind(kind, r.Type, model.ApplyDefaults(r.Details), reg.KindOf); err != nil {
				problems = append(problems, fieldErrors(fmt.Sprintf("%s[%d].", kind.Collection(), i), err)...)
			}
		}
	}
	return problems
}

func fieldErrors(prefix string, err error) []model.FieldError {
	ee, ok := model.AsEnvelope(err)
	if !ok || len(ee.Details) == 0 {
		return []model.FieldError{{Field: prefix + "flow", Code: "invalid", Message: err.Error()}}
	}
	out := make([]model.FieldError, 0, len(ee.Details))
	for _, fe := range ee.Details {
		fe.Field = prefix + fe.Field
		out = append(out, fe)
	}
	return out
}

// policy checks a capability policy file and prints, per role, which flow
// capabilities it grants in the given organization.
func (c *cli) policy(cmd *cobra.Command, args []string) error {
	e, err := capability.NewStaticPolicyEvaluator(args[0])
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	for _, role := range e.Roles() {
		caps, _ := e.ResolveCapabilities(&model.RequestContext{OrganizationID: c.organization, Roles: []string{role}})
		var granted []string
		for _, cp := range []string{model.CapTemplatesView, model.CapTemplatesEdit, model.CapEventsView, model.CapEventsEdit} {
			if caps.Has(cp) {
				granted = append(granted, cp)
			}
		}
		if len(granted) == 0 {
			granted = []string{"-"}
		}
		fmt.Fprintf(w, "%s\t%s\n", role, strings.Join(granted, " "))
	}
	return nil
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:               "flowctl",
		Short:             "Inspect flow documents",
		SilenceUsage:      true,
		PersistentPreRunE: c.setup,
	}
	root.PersistentFlags().StringVar(&c.timezone, "timezone", "UTC", "IANA zone dates are shown in")
	root.PersistentFlags().StringVar(&c.layout, "layout", "", "Go time layout dates are shown with")
	root.PersistentFlags().StringVar(&c.overrides, "overrides", "", "rule type display overrides file")

	root.AddCommand(&cobra.Command{
		Use:   "describe <flow.json>",
		Short: "Print one summary line per rule",
		Args:  cobra.ExactArgs(1),
		RunE:  c.describe,
	})
	root.AddCommand(&cobra.Command{
		Use:   "validate <flow.json>",
		Short: "Check flow structure and rule details",
		Args:  cobra.ExactArgs(1),
		RunE:  c.validate,
	})
	policyCmd := &cobra.Command{
		Use:   "policy <policy.yaml>",
		Short: "Check a capability policy and list what each role may do",
		Args:  cobra.ExactArgs(1),
		RunE:  c.policy,
	}
	policyCmd.Flags().StringVar(&c.organization, "org", "", "organization whose extra grants apply")
	root.AddCommand(policyCmd)
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
