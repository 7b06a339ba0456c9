// Copyright © 2018 Enrico Stahn <enrico.stahn@gmail.com>
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

package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/davecgh/go-spew/spew"
	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"
)

// Configuration variables
var (
	procsOutput string
	adminURI    string
)

// procsCmd represents the procs command
var procsCmd = &cobra.Command{
	Use:   "procs",
	Short: "Fetch the live FastCGI process table from a running server",
	Long: `"procs" queries a running lighttgod's admin endpoint and prints the
current state of every configured FastCGI backend process.

* lighttgod procs --admin-uri http://127.0.0.1:9253/procs
`,
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := http.Get(adminURI)
		if err != nil {
			log.Fatal("Could not reach admin endpoint: ", err)
		}
		defer resp.Body.Close()

		var hosts []hostInfo
		if err := json.NewDecoder(resp.Body).Decode(&hosts); err != nil {
			log.Fatal("Could not decode process table: ", err)
		}

		switch procsOutput {
		case "json":
			content, err := json.Marshal(hosts)
			if err != nil {
				log.Fatal("Cannot encode to JSON ", err)
			}
			fmt.Print(string(content))
		case "text":
			table := uitable.New()
			table.MaxColWidth = 80
			table.Wrap = true

			for _, h := range hosts {
				table.AddRow("Extension:", h.Extension)
				table.AddRow("Load:", h.Load)
				for _, p := range h.Procs {
					table.AddRow("  Slot:", p.Slot)
					table.AddRow("  Local:", p.Local)
					table.AddRow("  Address:", p.Addr)
					table.AddRow("  State:", p.State)
					table.AddRow("  PID:", p.PID)
					table.AddRow("  Load:", p.Load)
					table.AddRow("  Requests served:", p.RequestsServed)
					table.AddRow("")
				}
				table.AddRow("")
			}

			fmt.Println(table)
		case "spew":
			spew.Dump(hosts)
		default:
			log.Error("Output format not valid.")
		}
	},
}

func init() {
	RootCmd.AddCommand(procsCmd)

	procsCmd.Flags().StringVar(&adminURI, "admin-uri", "http://127.0.0.1:9253/procs", "Admin endpoint of a running lighttgod to query.")
	procsCmd.Flags().StringVar(&procsOutput, "out", "text", "Output format. One of: text, json, spew")
}
