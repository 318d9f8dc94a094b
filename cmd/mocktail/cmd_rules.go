package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"mocktail/internal/storage"
	"mocktail/pkg/model"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage the stored rule set",
}

var rulesListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List rules in match order",
	RunE:    runRulesList,
}

var rulesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Append a rule",
	Example: `  mocktail rules add --name users --pattern /api/users --action merge --mock '{"vip":true}'
  mocktail rules add --name rename --pattern '^https://api\.x\.com/' --match regex \
      --action modify --set user.name='"y"' --status 201`,
	RunE: runRulesAdd,
}

var rulesEnableCmd = &cobra.Command{
	Use:   "enable <rule-id>",
	Short: "Enable a rule",
	Args:  cobra.ExactArgs(1),
	RunE:  toggleRule(true),
}

var rulesDisableCmd = &cobra.Command{
	Use:   "disable <rule-id>",
	Short: "Disable a rule",
	Args:  cobra.ExactArgs(1),
	RunE:  toggleRule(false),
}

var rulesDeleteCmd = &cobra.Command{
	Use:     "delete <rule-id>",
	Aliases: []string{"rm"},
	Short:   "Delete a rule",
	Args:    cobra.ExactArgs(1),
	RunE:    runRulesDelete,
}

var interceptCmd = &cobra.Command{
	Use:       "intercept <on|off>",
	Short:     "Turn interception on or off",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE:      runIntercept,
}

func init() {
	addRuleFlags(rulesAddCmd.Flags())
	rulesAddCmd.MarkFlagRequired("name")
	rulesAddCmd.MarkFlagRequired("pattern")

	rulesCmd.AddCommand(rulesListCmd, rulesAddCmd, rulesEnableCmd, rulesDisableCmd, rulesDeleteCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(interceptCmd)
}

func addRuleFlags(fs *pflag.FlagSet) {
	fs.String("name", "", "Rule name")
	fs.String("pattern", "", "URL pattern")
	fs.String("match", string(model.MatchContains), "Match type (exact, contains, startsWith, regex)")
	fs.String("action", string(model.ActionReplace), "Action type (replace, merge, modify)")
	fs.String("mock", "", "Mock data as JSON")
	fs.StringArray("set", nil, "Modification path=json-value (modify action, repeatable)")
	fs.Int("status", 0, "Override response status code")
	fs.Bool("disabled", false, "Create the rule disabled")
}

func runRulesList(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	settings, err := store.GetSettings(cmd.Context())
	if err != nil {
		return err
	}

	state := "on"
	if !settings.Enabled {
		state = "off"
	}
	fmt.Fprintf(os.Stdout, "interception: %s\n\n", state)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tMATCH\tPATTERN\tACTION\tSTATUS\tENABLED")
	for _, r := range settings.Rules.Rules {
		status := "-"
		if r.StatusCode != nil {
			status = fmt.Sprintf("%d", *r.StatusCode)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%t\n", r.ID, r.Name, r.MatchType, r.URLPattern, r.ActionType, status, r.Enabled)
	}
	w.Flush()
	return nil
}

func runRulesAdd(cmd *cobra.Command, args []string) error {
	r, err := ruleFromFlags(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	created, err := store.AddRule(cmd.Context(), r)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), created.ID)
	return nil
}

// ruleFromFlags 由命令行参数构造规则
func ruleFromFlags(cmd *cobra.Command) (model.Rule, error) {
	f := cmd.Flags()
	name, _ := f.GetString("name")
	pattern, _ := f.GetString("pattern")
	match, _ := f.GetString("match")
	action, _ := f.GetString("action")
	mock, _ := f.GetString("mock")
	sets, _ := f.GetStringArray("set")
	status, _ := f.GetInt("status")
	disabled, _ := f.GetBool("disabled")

	r := model.Rule{
		Name:       name,
		URLPattern: pattern,
		MatchType:  model.MatchType(match),
		ActionType: model.ActionType(action),
		Enabled:    !disabled,
	}
	if mock != "" {
		if !json.Valid([]byte(mock)) {
			return model.Rule{}, fmt.Errorf("%w: %s", ErrInvalidMockData, mock)
		}
		r.MockData = json.RawMessage(mock)
	}
	for _, s := range sets {
		path, value, ok := strings.Cut(s, "=")
		if !ok || path == "" {
			return model.Rule{}, fmt.Errorf("%w: %s", ErrInvalidModify, s)
		}
		if !json.Valid([]byte(value)) {
			// 非 JSON 的值按字符串处理
			quoted, _ := json.Marshal(value)
			value = string(quoted)
		}
		r.Modifications = append(r.Modifications, model.Modification{Path: path, Value: json.RawMessage(value)})
	}
	if status > 0 {
		r.StatusCode = &status
	}
	return r, nil
}

func toggleRule(enabled bool) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()
		return ruleErr(args[0], store.ToggleRule(cmd.Context(), model.RuleID(args[0]), enabled))
	}
}

func runRulesDelete(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()
	return ruleErr(args[0], store.DeleteRule(cmd.Context(), model.RuleID(args[0])))
}

func runIntercept(cmd *cobra.Command, args []string) error {
	var enabled bool
	switch args[0] {
	case "on":
		enabled = true
	case "off":
	default:
		return fmt.Errorf("expected on or off, got %q", args[0])
	}
	store, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()
	return store.SetEnabled(cmd.Context(), enabled)
}

// ruleErr 将规则不存在的错误转换为面向用户的提示
func ruleErr(id string, err error) error {
	if errors.Is(err, storage.ErrRuleNotFound) {
		return fmt.Errorf("rule %s not found (see `mocktail rules list`)", id)
	}
	return err
}
