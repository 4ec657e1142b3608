package main

import (
	"fmt"
	"image"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/w4560000/TestFrame/internal/capture"
	"github.com/w4560000/TestFrame/internal/config"
	"github.com/w4560000/TestFrame/internal/imaging"
	"github.com/w4560000/TestFrame/internal/logging"
)

var (
	version = "0.1.0"
	cfgFile string
	display string
	outPath string
	format  string
	quality int
	count   int
)

var rootCmd = &cobra.Command{
	Use:   "testframe",
	Short: "Desktop frame capture",
	Long:  `TestFrame - desktop frame capture with GPU duplication and a CPU fallback`,
}

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Capture frames of the selected display to image files",
	Run: func(cmd *cobra.Command, args []string) {
		captureFrames()
	},
}

var displaysCmd = &cobra.Command{
	Use:   "displays",
	Short: "List attached displays",
	Run: func(cmd *cobra.Command, args []string) {
		listDisplays()
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Log display configuration changes until interrupted",
	Run: func(cmd *cobra.Command, args []string) {
		watchDisplays()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("TestFrame v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is testframe.yaml in the config dir)")
	rootCmd.PersistentFlags().StringVar(&display, "display", "", `display device name (e.g. \\.\DISPLAY1)`)

	captureCmd.Flags().StringVarP(&outPath, "out", "o", "", "output directory (default from config)")
	captureCmd.Flags().StringVar(&format, "format", "", "image format: png or jpeg")
	captureCmd.Flags().IntVar(&quality, "quality", 0, "jpeg quality 1-100")
	captureCmd.Flags().IntVarP(&count, "count", "n", 1, "number of frames to capture")

	rootCmd.AddCommand(captureCmd)
	rootCmd.AddCommand(displaysCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	for _, err := range cfg.Validate() {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
	}
	if display != "" {
		cfg.Display = display
	}
	if outPath != "" {
		cfg.OutputDir = outPath
	}
	if format != "" {
		cfg.Format = format
	}
	if quality > 0 {
		cfg.Quality = quality
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stderr)
	return cfg
}

func newEngine(cfg *config.Config) *capture.Engine {
	eng, err := capture.New(capture.Config{
		Display:     cfg.Display,
		PollTimeout: time.Duration(cfg.GPUPollTimeoutMs) * time.Millisecond,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize capture: %v\n", err)
		os.Exit(1)
	}
	return eng
}

func captureFrames() {
	cfg := loadConfig()
	eng := newEngine(cfg)
	defer eng.Close()

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create output dir: %v\n", err)
		os.Exit(1)
	}

	captured := 0
	for captured < count {
		frame := requestWithRetry(eng, 10)
		if frame == nil {
			fmt.Fprintln(os.Stderr, "No frame produced; giving up.")
			os.Exit(1)
		}

		data, err := imaging.Encode(frame.RGBA(), cfg.Format, cfg.Quality)
		capture.PutFrame(frame)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Encode failed: %v\n", err)
			os.Exit(1)
		}

		name := fmt.Sprintf("frame-%s-%03d.%s",
			time.Now().Format("20060102-150405"), captured, ext(cfg.Format))
		path := filepath.Join(cfg.OutputDir, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "Write failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(path)
		captured++
	}
}

// requestWithRetry retries through transient misses (duplication timeouts and
// unchanged-desktop polls), which are expected on an idle screen.
func requestWithRetry(eng *capture.Engine, attempts int) *capture.Frame {
	for i := 0; i < attempts; i++ {
		if frame := eng.RequestFrame(); frame != nil {
			return frame
		}
	}
	return nil
}

func ext(format string) string {
	if format == "jpeg" || format == "jpg" {
		return "jpg"
	}
	return "png"
}

func listDisplays() {
	cfg := loadConfig()
	eng := newEngine(cfg)
	defer eng.Close()

	displays := eng.ListDisplays()
	if len(displays) == 0 {
		fmt.Println("No displays attached.")
		return
	}
	sel := eng.SelectedScreen()
	for _, d := range displays {
		marker := " "
		if d.Name == sel.Name {
			marker = "*"
		}
		fmt.Printf("%s %d  %-16s %s  rotation=%s\n",
			marker, d.Index, d.Name, d.Bounds, d.Rotation)
	}
	fmt.Printf("virtual bounds: %s\n", eng.VirtualBounds())
}

func watchDisplays() {
	cfg := loadConfig()
	eng := newEngine(cfg)
	defer eng.Close()

	eng.OnDisplayChanged(func(bounds image.Rectangle) {
		fmt.Printf("display change: selected bounds now %s\n", bounds)
	})

	fmt.Println("Watching for display changes. Ctrl-C to stop.")
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
}
