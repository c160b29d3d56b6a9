package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"FilamentDetServer/annotation"
	"FilamentDetServer/config"
	"FilamentDetServer/frame"
	iface "FilamentDetServer/interface"
	"FilamentDetServer/logger"
	"FilamentDetServer/mask"
	"FilamentDetServer/monitor"

	"github.com/akamensky/argparse"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func check(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "filamentctl:", err)
		os.Exit(1)
	}
}

func main() {
	parser := argparse.NewParser("filamentctl", "Filament instance segmentation tools")
	verbose := parser.Flag("v", "verbose", &argparse.Options{Help: "Debug logging", Default: false})

	masksCmd := parser.NewCommand("masks", "Rasterize annotated line masks for training images")
	masksImages := masksCmd.StringList("i", "image", &argparse.Options{Help: "Annotated image (sidecar <stem>.json next to it)", Required: true})
	masksOut := masksCmd.String("o", "output", &argparse.Options{Help: "Output directory", Required: true})
	masksKey := masksCmd.String("k", "key", &argparse.Options{Help: "Annotation key", Default: annotation.DefaultKey})
	thickness := masksCmd.Int("t", "thickness", &argparse.Options{Help: "Line thickness in pixels", Default: 3})

	detectCmd := parser.NewCommand("detect", "Detect filaments and write their endpoints as JSON")
	detectImages := detectCmd.StringList("i", "image", &argparse.Options{Help: "Input image", Required: true})
	configPath := detectCmd.String("c", "config", &argparse.Options{Help: "Config file path", Default: config.DefaultPath})
	modelLoc := detectCmd.String("m", "model", &argparse.Options{Help: "Model bundle, overrides model.location"})
	detectOut := detectCmd.String("o", "output", &argparse.Options{Help: "Output JSON file, stdout when empty"})

	if err := parser.Parse(os.Args); err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}
	if *verbose {
		check(logger.InitDevelopment())
	} else {
		check(logger.InitProduction())
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case masksCmd.Happened():
		check(exportMasks(*masksImages, *masksOut, *masksKey, *thickness))
	case detectCmd.Happened():
		c, err := config.Load(*configPath)
		if errors.Is(err, os.ErrNotExist) {
			c, err = config.Default(), nil
		}
		check(err)
		if *modelLoc != "" {
			c.Model.Location = *modelLoc
		}
		check(c.Validate())
		check(detect(ctx, c, *detectImages, *detectOut))
	}
}

// exportMasks writes one mask set per image. A sample that fails to load is
// logged and skipped; the skipped errors are returned together at the end.
func exportMasks(images []string, out, key string, thickness int) error {
	log := logger.Named("masks")
	var errs error
	for i, path := range images {
		s, err := annotation.LoadSample(i, path, key, thickness)
		if err != nil {
			log.Warn("skip sample", zap.String("image", path), zap.Error(err))
			errs = multierr.Append(errs, err)
			continue
		}
		stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		written, err := mask.WriteStack(out, stem, s.Masks)
		if err != nil {
			return multierr.Append(errs, err)
		}
		log.Info("masks written",
			zap.String("image", path),
			zap.Int("instances", s.Masks.Len()),
			zap.Strings("files", written))
	}
	return errs
}

func detect(ctx context.Context, c config.Config, images []string, out string) error {
	monitor.RequestsTotal.WithLabelValues(monitor.TransportCLI).Inc()
	frames := make([]iface.Frame, 0, len(images))
	for i, path := range images {
		f, err := frame.Read(i, path)
		if err != nil {
			return err
		}
		frames = append(frames, f)
	}

	p, _, err := c.Open(ctx, c.Runtime())
	if err != nil {
		return err
	}
	defer p.Close()

	report, err := p.Run(ctx, uuid.NewString(), frames)
	if err != nil {
		return err
	}
	for _, e := range report.Errors {
		logger.Log().Warn("skipped", zap.String("error", e))
	}

	w := os.Stdout
	if out != "" {
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
