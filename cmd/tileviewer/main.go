// Command tileviewer streams a 3D Tiles tileset into an OpenGL window.
package main

import (
	"flag"

	"github.com/faiface/mainthread"
	"github.com/golang/glog"
	"github.com/xlab/closer"

	"tilebridge/internal/config"
)

var (
	configPath = flag.String("config", "", "YAML configuration file")
	tilesetURL = flag.String("url", "", "tileset URL or local path; overrides the configured source")
)

func main() {
	flag.Parse()
	defer glog.Flush()

	cfg, err := loadConfig(*configPath, *tilesetURL)
	if err != nil {
		glog.Exitf("config: %v", err)
	}

	closer.Bind(glog.Flush)
	mainthread.Run(func() {
		if err := run(cfg); err != nil {
			glog.Errorf("tileviewer: %v", err)
		}
	})
}

func loadConfig(path, url string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if url != "" {
		cfg.Source.URL = url
		cfg.Source.IonAssetID = 0
		cfg.Normalize()
	}
	return cfg, cfg.Validate()
}
