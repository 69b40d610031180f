// cmd/tools/registry-tool/main.go
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"workflow-notifications/internal/common/config"
	"workflow-notifications/internal/common/database"
	"workflow-notifications/internal/template"
	notifyevent "workflow-notifications/internal/workers/notification/notify-event"
	sendnotification "workflow-notifications/internal/workers/notification/send-notification"
	startworkflow "workflow-notifications/internal/workers/workflow/start-workflow"
	stepaction "workflow-notifications/internal/workers/workflow/step-action"
	"workflow-notifications/pkg/registry"
)

const defaultPath = "configs/registry.json"

func main() {
	if len(os.Args) < 2 {
		help(os.Stdout)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "validate":
		err = runValidate(os.Args[2:], os.Stdout)
	case "list":
		err = runList(os.Args[2:], os.Stdout)
	case "update":
		err = runUpdate(os.Args[2:], os.Stdout)
	case "seed":
		err = runSeed(os.Args[2:], os.Stdout)
	default:
		help(os.Stdout)
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// servedTaskTypes are the job types the worker manager registers.
func servedTaskTypes() []string {
	types := append([]string(nil), notifyevent.TaskTypes...)
	return append(types, sendnotification.TaskType, startworkflow.TaskType, stepaction.TaskType)
}

func runValidate(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	path := fs.String("path", defaultPath, "Path to registry file")
	strict := fs.Bool("strict", false, "Fail on undeclared placeholders")
	if err := fs.Parse(args); err != nil {
		return err
	}

	reg, err := registry.Load(*path)
	if err != nil {
		return err
	}
	if missing := reg.MissingActivities(servedTaskTypes()); len(missing) > 0 {
		return fmt.Errorf("no activity for task types: %s", strings.Join(missing, ", "))
	}
	for _, a := range reg.Activities {
		if _, err := reg.InputSchema(a.TaskType); err != nil {
			return err
		}
	}

	undeclared := reg.UndeclaredPlaceholders()
	codes := make([]string, 0, len(undeclared))
	for code := range undeclared {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		fmt.Fprintf(out, "warning: %s uses undeclared placeholders %s\n", code, strings.Join(undeclared[code], ", "))
	}
	if *strict && len(codes) > 0 {
		return fmt.Errorf("%d template(s) use undeclared placeholders", len(codes))
	}

	fmt.Fprintf(out, "Registry validation passed. Found %d templates and %d activities.\n", len(reg.Templates), len(reg.Activities))
	return nil
}

func runList(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	path := fs.String("path", defaultPath, "Path to registry file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	reg, err := registry.Load(*path)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "TEMPLATES")
	for _, t := range reg.Templates {
		fmt.Fprintf(out, "  %-28s %-10s %-8s %s\n", t.Code, t.Category, t.DefaultPriority, strings.Join(t.DefaultChannels, ","))
	}
	fmt.Fprintln(out, "ACTIVITIES")
	for _, a := range reg.Activities {
		fmt.Fprintf(out, "  %-28s %s\n", a.TaskType, a.DisplayName)
	}
	return nil
}

func runUpdate(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("update", flag.ContinueOnError)
	path := fs.String("path", defaultPath, "Path to registry file")
	code := fs.String("code", "", "Template code to update")
	field := fs.String("field", "", "Field to update (subject, body, shortMessage, priority, channels)")
	value := fs.String("value", "", "New value for the field")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *code == "" || *field == "" {
		fs.Usage()
		return fmt.Errorf("code and field are required for update")
	}

	reg, err := registry.Load(*path)
	if err != nil {
		return err
	}
	if err := updateTemplate(reg, *code, *field, *value); err != nil {
		return err
	}
	reg.LastUpdated = time.Now().UTC().Format("2006-01-02")

	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}
	// Parse again so a bad edit never reaches the file.
	if _, err := registry.Parse(data); err != nil {
		return err
	}
	if err := os.WriteFile(*path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write registry file: %w", err)
	}
	fmt.Fprintf(out, "Updated template %s, field %s\n", *code, *field)
	return nil
}

func updateTemplate(reg *registry.Registry, code, field, value string) error {
	for i := range reg.Templates {
		t := &reg.Templates[i]
		if t.Code != code {
			continue
		}
		switch field {
		case "subject":
			t.Subject = value
		case "body":
			t.Body = value
		case "shortMessage":
			t.ShortMessage = value
		case "priority":
			t.DefaultPriority = value
		case "channels":
			t.DefaultChannels = splitList(value)
		case "placeholders":
			t.Placeholders = splitList(value)
		default:
			return fmt.Errorf("unknown field: %s", field)
		}
		return nil
	}
	return fmt.Errorf("template %s not found", code)
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// runSeed publishes the registry templates into Postgres without starting the workers.
func runSeed(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	path := fs.String("path", defaultPath, "Path to registry file")
	cfgPath := fs.String("config", "", "Config file (defaults to the usual lookup)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	reg, err := registry.Load(*path)
	if err != nil {
		return err
	}

	var cfg *config.Config
	if *cfgPath != "" {
		cfg, err = config.LoadFromFile(*cfgPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	pg, err := database.NewPostgres(cfg.Database.Postgres)
	if err != nil {
		return err
	}
	defer pg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	written, err := reg.SeedTemplates(ctx, template.NewPostgresStore(pg.DB))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Published %d new template version(s) out of %d.\n", written, len(reg.Templates))
	return nil
}

func help(out io.Writer) {
	fmt.Fprint(out, `
Usage: registry-tool <command> [flags]

Commands:
  validate  Check templates, activities and input schemas
  list      Print templates and activities
  update    Change a template field in the registry file
  seed      Publish the registry templates into Postgres
  help      Show this help message

Examples:
  registry-tool validate -path configs/registry.json -strict
  registry-tool update -code FORM_REJECTED -field channels -value Email,InApp
  registry-tool seed -config configs/config.yaml

Use 'registry-tool <command> -h' for more information about a command.
`)
}
