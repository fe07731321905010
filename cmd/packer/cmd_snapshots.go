// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/spf13/cobra"

	"github.com/Zeeeepa/Packer-InfoFinder/services/packer/graph"
)

func newSnapshotsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "Inspect saved discovery snapshots",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list <target-url>",
		Short: "List snapshots saved for a target",
		Args:  cobra.ExactArgs(1),
		RunE:  runSnapshotsList,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show <snapshot-id>",
		Short: "Print the URLs in one snapshot",
		Args:  cobra.ExactArgs(1),
		RunE:  runSnapshotsShow,
	})
	return cmd
}

// openSnapshotStore opens the badger store under the output directory.
func openSnapshotStore() (*badger.DB, *graph.SnapshotManager, error) {
	logger := setupLogging()
	dir := outDir
	if dir == "" {
		dir = "packer-out"
	}
	db, err := badger.Open(badger.DefaultOptions(filepath.Join(dir, "snapshots")).WithLogger(nil))
	if err != nil {
		return nil, nil, fmt.Errorf("opening snapshot store: %w", err)
	}
	manager, err := graph.NewSnapshotManager(db, logger)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, manager, nil
}

func runSnapshotsList(_ *cobra.Command, args []string) error {
	db, manager, err := openSnapshotStore()
	if err != nil {
		return err
	}
	defer db.Close()

	metas, err := manager.List(cmdContext(), graph.TargetHash(args[0]), 20)
	if err != nil {
		return err
	}
	if len(metas) == 0 {
		fmt.Println("no snapshots for target")
		return nil
	}
	for _, meta := range metas {
		created := time.UnixMilli(meta.CreatedAtMilli).UTC().Format(time.RFC3339)
		fmt.Printf("%s  %s  nodes=%d edges=%d  %s\n",
			meta.SnapshotID, created, meta.NodeCount, meta.EdgeCount, meta.GraphHash[:12])
	}
	return nil
}

func runSnapshotsShow(_ *cobra.Command, args []string) error {
	db, manager, err := openSnapshotStore()
	if err != nil {
		return err
	}
	defer db.Close()

	g, meta, err := manager.Load(cmdContext(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("snapshot %s of %s (%d nodes, %d edges)\n",
		meta.SnapshotID, meta.Target, meta.NodeCount, meta.EdgeCount)
	for _, u := range g.URLs() {
		fmt.Println("  " + u)
	}
	return nil
}
