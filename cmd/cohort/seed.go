package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/alecgard/cohort/internal/config"
	"github.com/alecgard/cohort/internal/course"
	"github.com/alecgard/cohort/internal/db"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with demo courses",
	RunE:  runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

var demoCourses = []course.CreateInput{
	{Slug: "intro-to-go", Title: "Introduction to Go", IsFree: true},
	{Slug: "concurrency-patterns", Title: "Concurrency Patterns", Price: 4900},
	{Slug: "building-web-services", Title: "Building Web Services", Price: 7900},
	{Slug: "postgres-for-developers", Title: "Postgres for Developers", Price: 5900},
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	courses := course.NewStore(pool)

	created := 0
	for _, input := range demoCourses {
		existing, err := courses.GetBySlug(ctx, input.Slug)
		if err != nil {
			return err
		}
		if existing != nil {
			slog.Info("course already exists, skipping", "slug", input.Slug)
			continue
		}

		c, err := courses.Create(ctx, input)
		if err != nil {
			return fmt.Errorf("creating course %q: %w", input.Slug, err)
		}
		slog.Info("created course", "slug", c.Slug, "id", c.ID)
		created++
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\n=== Demo Data Seeded ===\n")
	fmt.Fprintf(out, "Courses:   %d created, %d already present\n", created, len(demoCourses)-created)
	fmt.Fprintf(out, "\nTry it:\n")
	fmt.Fprintf(out, "  cohort decide <userID> <courseID>\n")
	return nil
}
