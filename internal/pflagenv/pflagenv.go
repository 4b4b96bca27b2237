//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
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
//

// Package pflagenv fills flags the command line left unset from the
// environment.
package pflagenv

import (
	"os"
	"strings"

	"github.com/juju/errors"
	"github.com/spf13/pflag"
)

// ParseFlagSet sets every flag of fs that was not given on the command
// line from the environment variable named envPrefix plus the flag name,
// upper-cased with dashes turned into underscores. Call it after fs is
// parsed.
func ParseFlagSet(fs *pflag.FlagSet, envPrefix string) error {
	// pflag cannot tell a flag set to its default from one never set, so
	// collect everything and drop what Visit reports as set.
	nonset := make(map[string]*pflag.Flag)
	fs.VisitAll(func(f *pflag.Flag) {
		nonset[f.Name] = f
	})
	fs.Visit(func(f *pflag.Flag) {
		delete(nonset, f.Name)
	})
	delete(nonset, "help")
	return setFromEnv(nonset, envPrefix)
}

func setFromEnv(nonset map[string]*pflag.Flag, envPrefix string) error {
	for name, f := range nonset {
		env := EnvName(name, envPrefix)
		v := os.Getenv(env)
		if v == "" {
			continue
		}
		if err := f.Value.Set(v); err != nil {
			return errors.Annotatef(err, "invalid %s", env)
		}
		f.Changed = true
	}
	return nil
}

// EnvName is the variable consulted for flagName.
func EnvName(flagName, envPrefix string) string {
	return envPrefix + strings.ReplaceAll(strings.ToUpper(flagName), "-", "_")
}
