package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTagProducesDocumentedWireFormat(t *testing.T) {
	tagged := Tag("web-0", "nginx", []string{"10.0.0.1"}, "hello\n")

	b, err := json.Marshal(tagged)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &decoded))

	custom := decoded["custom"].(map[string]interface{})
	assert.Equal(t, "web-0", custom["nodeId"])
	assert.Equal(t, "nginx", custom["container"])
	assert.Equal(t, "web-0", custom["serviceName"])
	assert.Equal(t, "v1.0.0", custom["version"])
	assert.Equal(t, []interface{}{"10.0.0.1"}, custom["ips"])
	assert.Equal(t, "hello\n", decoded["message"])
}

func TestTagWithNilIPs(t *testing.T) {
	tagged := Tag("web-0", "nginx", nil, "x\n")
	b, err := json.Marshal(tagged)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"ips":null`)
}
