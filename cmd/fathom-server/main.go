/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"

	"github.com/openfathom/fathom/pkg/config"
	"github.com/openfathom/fathom/pkg/server"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	if *configPath != "" {
		fullPath, err := filepath.Abs(*configPath)
		if err != nil {
			klog.ErrorS(err, "invalid config path", "path", *configPath)
			os.Exit(1)
		}
		if err := config.LoadConfig(fullPath); err != nil {
			klog.ErrorS(err, "failed to load config", "path", fullPath)
			os.Exit(1)
		}
	}

	s, err := server.NewServer()
	if err != nil {
		fmt.Println("failed to new server:", err)
		os.Exit(1)
	}
	s.Start()
}
