package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/EpicMandM/lab-session-manager/internal/labs"
	"github.com/EpicMandM/lab-session-manager/internal/logger"
)

// engine is the part of the container runtime preparation needs.
type engine interface {
	EnsureImage(ctx context.Context, ref, buildPath string) error
	EnsureNetwork(ctx context.Context, name string) error
	EnsureVolume(ctx context.Context, name string) error
}

type result struct {
	Kind   string
	Name   string
	Source string
	Err    error
}

type imageRef struct {
	ref       string
	buildPath string
}

// images lists every image the labs run, primaries and auxiliaries, once
// each in configuration order.
func images(registry *labs.Registry) []imageRef {
	var out []imageRef
	seen := make(map[string]bool)
	add := func(ref, buildPath string) {
		if seen[ref] {
			return
		}
		seen[ref] = true
		out = append(out, imageRef{ref: ref, buildPath: buildPath})
	}
	for _, def := range registry.All() {
		for _, aux := range def.Auxiliary {
			add(aux.Image, aux.BuildPath)
		}
		add(def.Image, def.BuildPath)
	}
	return out
}

// prepare ensures networks, volumes and images exist. It keeps going after
// a failure and returns every failure joined.
func prepare(ctx context.Context, rt engine, registry *labs.Registry, log *logger.Logger) ([]result, error) {
	var results []result

	for _, name := range registry.Networks() {
		results = append(results, result{Kind: "network", Name: name, Err: rt.EnsureNetwork(ctx, name)})
	}
	for _, name := range registry.Volumes() {
		results = append(results, result{Kind: "volume", Name: name, Err: rt.EnsureVolume(ctx, name)})
	}
	for _, img := range images(registry) {
		source := "pull"
		if img.buildPath != "" {
			source = "build " + img.buildPath
		}
		results = append(results, result{Kind: "image", Name: img.ref, Source: source, Err: rt.EnsureImage(ctx, img.ref, img.buildPath)})
	}

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			log.Error("Preparation step failed", logger.F("KIND", r.Kind), logger.F("NAME", r.Name), logger.Error(r.Err))
			errs = append(errs, fmt.Errorf("%s %s: %w", r.Kind, r.Name, r.Err))
		}
	}
	log.Info("Preparation finished", logger.Count(len(results)), logger.Failed(len(errs)))
	return results, errors.Join(errs...)
}

// printResults writes a summary table of the preparation steps.
func printResults(w io.Writer, results []result) error {
	tw := tabwriter.NewWriter(w, 2, 0, 2, ' ', 0)
	if _, err := fmt.Fprintln(tw, "KIND\tNAME\tSOURCE\tSTATUS"); err != nil {
		return err
	}
	for _, r := range results {
		status := "ready"
		if r.Err != nil {
			status = "failed: " + r.Err.Error()
		}
		source := r.Source
		if source == "" {
			source = "-"
		}
		if _, err := fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Kind, r.Name, source, status); err != nil {
			return err
		}
	}
	return tw.Flush()
}
