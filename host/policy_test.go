//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package host

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skizzerz/pysandbox-go/domain"
)

const samplePolicy = `
{
  "limits": {"MemBytes": 268435456, "CPUSecs": 30},
  "virtualPythonPath": "/usr/bin/python3",
  "tree": [
    {
      "name": "data",
      "dir": true,
      "realpath": "/opt/data",
      "recurse": true,
      "follow": true,
      "filter": ["*.txt"],
      "children": [
        {"name": "secret.txt", "blacklist": true}
      ]
    },
    {
      "name": "net",
      "dir": true,
      "proxy": true
    }
  ]
}
`

func TestLoadPolicyBuildsTreeWithExactFlags(t *testing.T) {
	p, root, err := LoadPolicy(strings.NewReader(samplePolicy))
	require.NoError(t, err)

	assert.EqualValues(t, 268435456, p.Limits.MemBytes)
	assert.EqualValues(t, 30, p.Limits.CPUSecs)
	assert.Equal(t, "/usr/bin/python3", p.VirtualPythonPath)

	data, ok := root.ChildByName("data")
	require.True(t, ok)
	assert.True(t, data.Flags.Has(domain.DIRECTORY))
	assert.True(t, data.Flags.Has(domain.RECURSE))
	assert.True(t, data.Flags.Has(domain.FOLLOW))
	assert.Equal(t, "/opt/data", data.RealPath)
	assert.Equal(t, []string{"*.txt"}, data.Filter)

	secret, ok := data.ChildByName("secret.txt")
	require.True(t, ok)
	assert.True(t, secret.Flags.Has(domain.BLACKLIST))

	net, ok := root.ChildByName("net")
	require.True(t, ok)
	assert.True(t, net.Flags.Has(domain.PROXY))
}

func TestLoadPolicyRejectsNestedProxy(t *testing.T) {
	const nested = `{"tree": [
		{"name": "a", "dir": true, "proxy": true, "children": [
			{"name": "b", "dir": true, "proxy": true}
		]}
	]}`
	_, _, err := LoadPolicy(strings.NewReader(nested))
	assert.Error(t, err)
}

func TestLoadPolicyRejectsMalformedJSON(t *testing.T) {
	_, _, err := LoadPolicy(strings.NewReader("{not json"))
	assert.Error(t, err)
}
