package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ashureev/carat-studio/internal/config"
	"github.com/ashureev/carat-studio/internal/domain"
	"github.com/ashureev/carat-studio/internal/lexicon"
	"github.com/ashureev/carat-studio/internal/llm"
	"github.com/ashureev/carat-studio/internal/mask"
	"github.com/ashureev/carat-studio/internal/router"
	"github.com/spf13/cobra"
)

func newMaskCmd() *cobra.Command {
	var (
		selectionPath string
		sourcePath    string
		output        string
		channel       string
		threshold     int
	)
	cmd := &cobra.Command{
		Use:   "mask",
		Short: "Convert a painted selection into an edit mask",
		Long:  "Convert a painted selection overlay and its source image into the mask and source PNG pair sent to the edit API.",
		Example: `carat mask --selection paint.png --source cat.png --output out/cat
# writes out/cat.mask.png and out/cat.source.png`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ch, err := mask.ParseChannel(channel)
			if err != nil {
				return err
			}
			if threshold < 0 || threshold > 255 {
				return fmt.Errorf("--threshold must be in [0, 255]")
			}
			selection, err := os.ReadFile(selectionPath)
			if err != nil {
				return fmt.Errorf("read selection: %w", err)
			}
			source, err := os.ReadFile(sourcePath)
			if err != nil {
				return fmt.Errorf("read source: %w", err)
			}

			opts := mask.DefaultOptions()
			opts.Channel = ch
			opts.Threshold = uint8(threshold)
			res, err := mask.Convert(selection, source, opts)
			if err != nil {
				return err
			}

			base := strings.TrimSuffix(output, ".png")
			if err := os.WriteFile(base+".mask.png", res.Mask, 0o644); err != nil {
				return fmt.Errorf("write mask: %w", err)
			}
			if err := os.WriteFile(base+".source.png", res.Source, 0o644); err != nil {
				return fmt.Errorf("write source: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "size %dx%d, %.1f%% editable\n", res.Size.X, res.Size.Y, res.Coverage*100)
			return nil
		},
	}
	cmd.Flags().StringVar(&selectionPath, "selection", "", "Painted selection overlay (required)")
	cmd.Flags().StringVar(&sourcePath, "source", "", "Source image the selection was painted on (required)")
	cmd.Flags().StringVarP(&output, "output", "o", "edit", "Output path prefix")
	cmd.Flags().StringVar(&channel, "channel", "alpha", "Paint channel: alpha, red or luma")
	cmd.Flags().IntVar(&threshold, "threshold", 127, "Intensity above which a pixel counts as painted")
	_ = cmd.MarkFlagRequired("selection")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func newClassifyCmd(logger *slog.Logger) *cobra.Command {
	var withModel bool
	cmd := &cobra.Command{
		Use:   "classify [text]",
		Short: "Print the intent classification of a message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			lex, err := lexicon.Load(cfg.LexiconPath)
			if err != nil {
				return err
			}
			var model llm.Completer
			if withModel {
				c, err := llm.NewOpenAI(llm.OpenAIConfig{
					APIKey:  cfg.OpenAI.APIKey,
					BaseURL: cfg.OpenAI.BaseURL,
					Model:   cfg.OpenAI.ChatModel,
					Timeout: cfg.OpenAI.ClientTimeout,
				}, logger)
				if err != nil {
					return err
				}
				model = c
			}

			text := lexicon.Normalize(strings.Join(args, " "))
			rt := router.New(lex, model, cfg.Router.ConfidenceThreshold, logger)
			out := struct {
				Classification domain.Classification `json:"classification"`
				Slots          domain.Slots          `json:"slots"`
			}{
				Classification: rt.Classify(cmd.Context(), text, router.RecentContext{}),
				Slots:          rt.ExtractSlots(text),
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().BoolVar(&withModel, "model", false, "Consult the language model below the confidence threshold")
	return cmd
}
