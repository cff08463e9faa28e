package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/orbgame/storycache/internal/config"
)

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var stats struct {
			TotalStories int `json:"total_stories"`
			TotalAudio   int `json:"total_audio"`
			Categories   []struct {
				Category string `json:"category"`
				Count    int    `json:"count"`
			} `json:"categories"`
		}
		if err := client.getJSON(cmd.Context(), "/admin/stats", &stats); err != nil {
			return err
		}

		printStatus("Stories", "%d", stats.TotalStories)
		printStatus("Audio assets", "%d", stats.TotalAudio)
		for _, c := range stats.Categories {
			printStatus("  "+c.Category, "%d", c.Count)
		}
		return nil
	},
}

// --- preload ---

var preloadCmd = &cobra.Command{
	Use:   "preload",
	Short: "Warm the cache for category/epoch combinations",
	Long: `Warm the cache for category/epoch combinations.

Examples:
  storycache preload --categories Technology,Science --epochs Modern
  storycache preload --categories Space --epochs Ancient,Future --count 5`,
	RunE: func(cmd *cobra.Command, args []string) error {
		categoriesStr, _ := cmd.Flags().GetString("categories")
		epochsStr, _ := cmd.Flags().GetString("epochs")
		languagesStr, _ := cmd.Flags().GetString("languages")
		model, _ := cmd.Flags().GetString("model")
		count, _ := cmd.Flags().GetInt("count")

		categories := splitList(categoriesStr)
		epochs := splitList(epochsStr)
		languages := splitList(languagesStr)
		if len(categories) == 0 || len(epochs) == 0 {
			return fmt.Errorf("--categories and --epochs are required")
		}
		if len(languages) == 0 {
			languages = []string{"en"}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var failures int
		for _, category := range categories {
			for _, epoch := range epochs {
				for _, language := range languages {
					printStep("Preloading %s/%s (%s)...", category, epoch, language)

					q := url.Values{}
					q.Set("category", category)
					q.Set("epoch", epoch)
					q.Set("language", language)
					if model != "" {
						q.Set("model", model)
					}
					if count > 0 {
						q.Set("count", fmt.Sprintf("%d", count))
					}

					var stories []struct {
						ID string `json:"id"`
					}
					if err := client.getJSON(cmd.Context(), "/stories?"+q.Encode(), &stories); err != nil {
						printError("%s/%s (%s): %v", category, epoch, language, err)
						failures++
						continue
					}
					printSuccess("%s/%s (%s): %d stories cached", category, epoch, language, len(stories))
				}
			}
		}

		if failures > 0 {
			return fmt.Errorf("%d partition(s) failed to preload", failures)
		}
		return nil
	},
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	var out []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func init() {
	preloadCmd.Flags().String("categories", "", "comma-separated categories")
	preloadCmd.Flags().String("epochs", "", "comma-separated epochs")
	preloadCmd.Flags().String("languages", "", "comma-separated language codes (default en)")
	preloadCmd.Flags().String("model", "", "generation model (default: configured model)")
	preloadCmd.Flags().Int("count", 0, "stories per partition (default: server default)")
}

// --- cleanup ---

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove expired stories and audio from the cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var body any
		if days, _ := cmd.Flags().GetInt("older-than-days"); days > 0 {
			body = map[string]int{"older_than_days": days}
		}

		var result map[string]int64
		if err := client.postJSON(cmd.Context(), "/admin/cleanup", body, &result); err != nil {
			return err
		}

		printSuccess("Removed %d stories and %d audio assets", result["stories_removed"], result["audio_removed"])
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", paint(ansiBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	cleanupCmd.Flags().Int("older-than-days", 0, "override configured TTLs for this sweep")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
