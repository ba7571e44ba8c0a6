// Command setup is the trusted-host setup wizard: it interactively
// populates config/repositories.yaml and config/secrets.env, re-prompting
// only for empty fields by default (--update; values are not checked for
// validity) or for everything after a confirmation step (--force). Prompt defaults are read through
// viper so a partially-completed run can be resumed without re-typing
// already-valid answers.
package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"jib/internal/config"
	"jib/internal/policy"
	"jib/internal/secrets"
)

var logger = log.New(os.Stderr, "setup ", log.LstdFlags|log.LUTC)

func main() {
	var update, force bool

	root := &cobra.Command{
		Use:   "setup",
		Short: "interactively configure this trusted host for jib",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(update, force)
		},
	}
	root.Flags().BoolVar(&update, "update", false, "re-prompt only for empty fields")
	root.Flags().BoolVar(&force, "force", false, "re-prompt for everything and overwrite existing files")
	if err := root.Execute(); err != nil {
		logger.Fatal(err)
	}
}

func run(update, force bool) error {
	dir := config.Dir()
	if err := config.MigrateLegacy(dir); err != nil {
		return fmt.Errorf("migrate legacy config: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	reposPath := dir + "/" + config.RepositoriesFile
	secretsPath := dir + "/" + config.SecretsFile

	v := viper.New()
	v.SetConfigFile(reposPath)
	v.SetConfigType("yaml")
	_ = v.ReadInConfig() // missing file is fine; every Get below falls back to ""

	if force {
		if !confirmYN(fmt.Sprintf("overwrite existing configuration at %s? ", dir), false) {
			fmt.Println("aborted")
			return nil
		}
	}

	reader := bufio.NewReader(os.Stdin)

	githubUser := promptDefault(reader, "GitHub username", v.GetString("github_username"), update, force)
	writable := promptList(reader, "Writable repositories (comma-separated org/repo)", v.GetStringSlice("writable_repos"), update, force)
	readable := promptList(reader, "Readable-only repositories (comma-separated org/repo)", v.GetStringSlice("readable_repos"), update, force)
	incogUser := promptDefault(reader, "Incognito GitHub user (blank to skip incognito mode)", v.GetString("incognito.github_user"), update, force)
	var incogName, incogEmail string
	if incogUser != "" {
		incogName = promptDefault(reader, "Incognito commit name", v.GetString("incognito.git_name"), update, force)
		incogEmail = promptDefault(reader, "Incognito commit email", v.GetString("incognito.git_email"), update, force)
	}

	pol := struct {
		GitHubUsername string           `yaml:"github_username"`
		WritableRepos  []string         `yaml:"writable_repos"`
		ReadableRepos  []string         `yaml:"readable_repos"`
		Incognito      policy.Incognito `yaml:"incognito"`
	}{
		GitHubUsername: githubUser,
		WritableRepos:  writable,
		ReadableRepos:  readable,
		Incognito:      policy.Incognito{GitHubUser: incogUser, GitName: incogName, GitEmail: incogEmail},
	}
	b, err := yaml.Marshal(pol)
	if err != nil {
		return err
	}
	if err := os.WriteFile(reposPath, b, 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", reposPath)

	existingSecrets := map[string]string{}
	if b, err := os.ReadFile(secretsPath); err == nil {
		existingSecrets = parseExistingSecrets(string(b))
	}

	appID := promptDefault(reader, "GitHub App ID (blank to use a fallback PAT instead)", existingSecrets[secrets.KeyCodeHostAppID], update, force)
	var installationID, keyPath, fallbackPAT string
	if appID != "" {
		installationID = promptDefault(reader, "GitHub App installation ID", existingSecrets[secrets.KeyCodeHostInstallationID], update, force)
		keyPath = promptDefault(reader, "Path to GitHub App private key PEM", existingSecrets[secrets.KeyCodeHostPrivateKeyPath], update, force)
	}
	fallbackPAT = promptDefault(reader, "Fallback personal access token", existingSecrets[secrets.KeyCodeHostToken], update, force)
	chatBotToken := promptDefault(reader, "Chat bot token", existingSecrets[secrets.KeyChatBotToken], update, force)
	chatSocketToken := promptDefault(reader, "Chat socket-mode app token", existingSecrets[secrets.KeyChatSocketToken], update, force)
	modelKey := promptDefault(reader, "Model API key (leave blank if using OAuth)", existingSecrets[secrets.KeyModelAPIKey], update, force)
	modelOAuth := promptDefault(reader, "Model OAuth token (preferred over the API key when both are set)", existingSecrets[secrets.KeyModelOAuthToken], update, force)
	var incogPAT string
	if incogUser != "" {
		incogPAT = promptDefault(reader, "Incognito personal access token", existingSecrets[secrets.KeyIncognitoPersonalToken], update, force)
	}

	var sb strings.Builder
	writeKV := func(key, val string) {
		if val == "" {
			return
		}
		fmt.Fprintf(&sb, "%s=%q\n", key, val)
	}
	writeKV(secrets.KeyCodeHostAppID, appID)
	writeKV(secrets.KeyCodeHostInstallationID, installationID)
	writeKV(secrets.KeyCodeHostPrivateKeyPath, keyPath)
	writeKV(secrets.KeyCodeHostToken, fallbackPAT)
	writeKV(secrets.KeyChatBotToken, chatBotToken)
	writeKV(secrets.KeyChatSocketToken, chatSocketToken)
	writeKV(secrets.KeyModelAPIKey, modelKey)
	writeKV(secrets.KeyModelOAuthToken, modelOAuth)
	writeKV(secrets.KeyIncognitoPersonalToken, incogPAT)

	if err := os.WriteFile(secretsPath, []byte(sb.String()), 0o600); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", secretsPath)
	return nil
}

// promptDefault prompts when force is set or cur is empty; otherwise it
// keeps cur unchanged without prompting. An empty field is prompted for
// whether or not update is set.
func promptDefault(r *bufio.Reader, label, cur string, update, force bool) string {
	if !force && !(update && cur == "") && cur != "" {
		return cur
	}
	suffix := ""
	if cur != "" {
		suffix = fmt.Sprintf(" [%s]", cur)
	}
	fmt.Printf("%s%s: ", label, suffix)
	line, _ := r.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return cur
	}
	return line
}

func promptList(r *bufio.Reader, label string, cur []string, update, force bool) []string {
	joined := strings.Join(cur, ",")
	result := promptDefault(r, label, joined, update, force)
	if result == "" {
		return nil
	}
	parts := strings.Split(result, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseExistingSecrets(content string) map[string]string {
	out := map[string]string{}
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.Trim(strings.TrimSpace(line[eq+1:]), `"`)
		out[key] = val
	}
	return out
}

// confirmYN prompts for a y/n confirmation over plain line input.
func confirmYN(prompt string, defaultYes bool) bool {
	def := "N"
	if defaultYes {
		def = "Y"
	}
	fmt.Printf("%s [y/%s]: ", prompt, def)
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(strings.ToLower(line))
	if line == "" {
		return defaultYes
	}
	return line == "y" || line == "yes"
}
