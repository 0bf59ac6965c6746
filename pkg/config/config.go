// Copyright 2024 The Crashcore Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config builds the runtime-immutable Config and policy sets
// the harness needs, the way runsc/config builds its Config: flags
// registered against a FlagSet, then folded into a struct once at
// startup and never mutated again. Policy sets layer on top from an
// optional TOML file.
package config

import (
	"flag"
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
)

// Config is the immutable post-startup configuration the dispatcher,
// dedup filter, and artifact writer all read from.
type Config struct {
	WorkDir              string
	FileExtn             string
	NumMajorFrames       int
	SaveUnique           bool
	SaveMaps             bool
	DisableRandomization bool
	FlipRate             float64
	UseVerifier          bool
	UseSanCov            bool
	IgnoreAddr           uint64
}

// RegisterFlags registers Config's flags on flagSet, mirroring
// runsc/config.RegisterFlags's "register everything, fold later" shape.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("workdir", ".", "directory crash artifacts and reports are written to.")
	flagSet.String("ext", "fuzz", "extension appended to saved crash artifacts.")
	flagSet.Int("major-frames", 7, "number of leading stack frames folded into the crash fingerprint.")
	flagSet.Bool("save-unique", true, "name crash files by fingerprint instead of by timestamp when possible.")
	flagSet.Bool("save-maps", false, "save a /proc/<pid>/maps snapshot alongside each crash.")
	flagSet.Bool("disable-randomization", false, "zero PC and fault address before naming crash files, merging ASLR-permuted duplicates.")
	flagSet.Float64("flip-rate", 0.001, "bit flip probability used by the input mutator (consumed outside this module).")
	flagSet.Bool("use-verifier", false, "re-run each crash once before persisting it.")
	flagSet.Bool("use-sancov", false, "enable sanitizer coverage collection (consumed outside this module).")
	flagSet.Uint64("ignore-addr", 0, "fault addresses below this threshold are treated as uninteresting.")
}

// NewFromFlags builds a Config by reading back the values RegisterFlags
// registered on flagSet, the same "flags are the source of truth, the
// struct is a snapshot" pattern runsc/config.NewFromFlags uses.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	lookup := func(name string) flag.Getter {
		f := flagSet.Lookup(name)
		if f == nil {
			return nil
		}
		return f.Value.(flag.Getter)
	}
	get := func(name string) flag.Getter {
		v := lookup(name)
		if v == nil {
			panic(fmt.Sprintf("config: flag %q was never registered", name))
		}
		return v
	}

	return &Config{
		WorkDir:              get("workdir").Get().(string),
		FileExtn:             get("ext").Get().(string),
		NumMajorFrames:       get("major-frames").Get().(int),
		SaveUnique:           get("save-unique").Get().(bool),
		SaveMaps:             get("save-maps").Get().(bool),
		DisableRandomization: get("disable-randomization").Get().(bool),
		FlipRate:             get("flip-rate").Get().(float64),
		UseVerifier:          get("use-verifier").Get().(bool),
		UseSanCov:            get("use-sancov").Get().(bool),
		IgnoreAddr:           get("ignore-addr").Get().(uint64),
	}, nil
}

// PolicyFile is the TOML shape loaded into Policies: plain arrays that
// LoadPolicyFile sorts once after decoding rather than re-sorting on
// every lookup.
type PolicyFile struct {
	SymbolsWhitelist []string `toml:"symbols_whitelist"`
	SymbolsBlacklist []string `toml:"symbols_blacklist"`
	HashBlacklist    []uint64 `toml:"hash_blacklist"`
}

// LoadPolicyFile reads and decodes a TOML policy file.
func LoadPolicyFile(path string) (*PolicyFile, error) {
	var pf PolicyFile
	if _, err := toml.DecodeFile(path, &pf); err != nil {
		return nil, fmt.Errorf("decode policy file %s: %w", path, err)
	}
	sort.Strings(pf.SymbolsWhitelist)
	sort.Strings(pf.SymbolsBlacklist)
	sort.Slice(pf.HashBlacklist, func(i, j int) bool { return pf.HashBlacklist[i] < pf.HashBlacklist[j] })
	return &pf, nil
}

// Clone deep-copies pf, used by tests that need an isolated fixture to
// mutate without perturbing a shared base policy.
func (pf *PolicyFile) Clone() *PolicyFile {
	return deepcopy.Copy(pf).(*PolicyFile)
}
