package poolfile

import "github.com/MrSnakeDoc/probeswarm/internal/workerclient"

// File is the top-level structure of the pool file.
//
//	workers:
//	  - url: https://probe-1.example.workers.dev
//	    quota: 100000
//	  - url: ${PROBE_2_URL}
//	    disabled: true
//	block_rules:
//	  - name: captcha
//	    body_patterns: ["captcha required"]
type File struct {
	Workers    []WorkerEntry       `yaml:"workers"`
	BlockRules []workerclient.Rule `yaml:"block_rules,omitempty"`
}

// WorkerEntry declares one worker. A zero quota means the default quota.
type WorkerEntry struct {
	URL      string `yaml:"url"`
	Quota    int64  `yaml:"quota,omitempty"`
	Disabled bool   `yaml:"disabled,omitempty"`
}
