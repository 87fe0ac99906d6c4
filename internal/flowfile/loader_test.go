package flowfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inspectflow/inspectflow/internal/flow"
	"github.com/inspectflow/inspectflow/internal/operator"
)

func builtins(t *testing.T) *operator.Registry {
	t.Helper()
	r := operator.NewRegistry()
	operator.RegisterBuiltins(r)
	return r
}

const pipelineSrc = `
flow "brightness check" {
  id = "flow-bright-1"

  node "capture" {
    type = "image.source"
  }

  node "gray" {
    type = "image.grayscale"

    working_size {
      width  = 640
      height = 480
    }
  }

  node "thresh" {
    type = "image.threshold"

    params {
      level = 90
    }
  }

  node "ratio" {
    type = "analysis.bright_ratio"
  }

  node "gate" {
    type = "decision.range_gate"

    params {
      min = 0.25
      max = 0.75
    }
  }

  connection {
    from = "capture.image"
    to   = "gray.image"
  }
  connection {
    from = "gray.image"
    to   = "thresh.image"
  }
  connection {
    from = "thresh.image"
    to   = "ratio.image"
  }
  connection {
    from = "ratio.ratio"
    to   = "gate.value"
  }
}
`

func TestLoadBytesBuildsFullPipeline(t *testing.T) {
	f, err := LoadBytes([]byte(pipelineSrc), "pipeline.hcl", builtins(t))
	require.NoError(t, err)

	assert.Equal(t, "flow-bright-1", f.ID)
	assert.Equal(t, "brightness check", f.Name)
	assert.Len(t, f.Nodes(), 5)
	assert.Len(t, f.Connections(), 4)
	require.NoError(t, f.Validate())

	gray, ok := f.Node("gray")
	require.True(t, ok)
	assert.Equal(t, flow.ImageShape{Width: 640, Height: 480, Channels: 1, BytesPerChannel: 1}, gray.WorkingSize)
	assert.True(t, gray.Enabled)

	// Explicit param overrides the 128 default from the definition.
	thresh, ok := f.Node("thresh")
	require.True(t, ok)
	level, ok := thresh.Param("level")
	require.True(t, ok)
	lv, _ := level.AsScalar()
	assert.Equal(t, 90.0, lv)

	// Untouched defaults are still applied.
	ratio, ok := f.Node("ratio")
	require.True(t, ok)
	mp, ok := ratio.Param("max_points")
	require.True(t, ok)
	mpv, _ := mp.AsScalar()
	assert.Equal(t, 64.0, mpv)

	// Ports come from the registry definition.
	in, ok := gray.Inputs["image"]
	require.True(t, ok)
	assert.Equal(t, flow.DataImage, in.Type)
	assert.True(t, in.Required)
}

func TestLoadReadsFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "p.hcl")
	require.NoError(t, os.WriteFile(path, []byte(pipelineSrc), 0o644))

	f, err := Load(path, builtins(t))
	require.NoError(t, err)
	assert.Len(t, f.Nodes(), 5)

	_, err = Load(filepath.Join(dir, "missing.hcl"), builtins(t))
	assert.Error(t, err)
}

func TestLoadBytesParamTypes(t *testing.T) {
	reg := builtins(t)
	src := `
flow "params" {
  node "gate" {
    type = "decision.range_gate"

    params {
      min     = 0.1
      label   = "front camera"
      strict  = true
      roi     = [[12, 40], [80, 40]]
    }
  }
}
`
	f, err := LoadBytes([]byte(src), "params.hcl", reg)
	require.NoError(t, err)

	gate, ok := f.Node("gate")
	require.True(t, ok)

	v, _ := gate.Param("min")
	mn, _ := v.AsScalar()
	assert.Equal(t, 0.1, mn)

	v, _ = gate.Param("label")
	label, ok := v.AsText()
	require.True(t, ok)
	assert.Equal(t, "front camera", label)

	v, _ = gate.Param("strict")
	strict, ok := v.AsBool()
	require.True(t, ok)
	assert.True(t, strict)

	v, _ = gate.Param("roi")
	pts, ok := v.AsPointSet()
	require.True(t, ok)
	assert.Equal(t, []flow.Point{{X: 12, Y: 40}, {X: 80, Y: 40}}, pts)
}

func TestLoadBytesErrors(t *testing.T) {
	reg := builtins(t)

	t.Run("syntax error", func(t *testing.T) {
		_, err := LoadBytes([]byte(`flow "x" {`), "bad.hcl", reg)
		assert.Error(t, err)
	})

	t.Run("no flow block", func(t *testing.T) {
		_, err := LoadBytes([]byte(``), "empty.hcl", reg)
		assert.ErrorContains(t, err, "exactly one flow block")
	})

	t.Run("two flow blocks", func(t *testing.T) {
		src := `
flow "a" {}
flow "b" {}
`
		_, err := LoadBytes([]byte(src), "two.hcl", reg)
		assert.ErrorContains(t, err, "exactly one flow block")
	})

	t.Run("unknown operator type", func(t *testing.T) {
		src := `
flow "x" {
  node "n" {
    type = "does.not.exist"
  }
}
`
		_, err := LoadBytes([]byte(src), "op.hcl", reg)
		assert.ErrorContains(t, err, "unknown operator type")
	})

	t.Run("bad port reference", func(t *testing.T) {
		src := `
flow "x" {
  node "a" {
    type = "image.source"
  }
  connection {
    from = "noport"
    to   = "a.image"
  }
}
`
		_, err := LoadBytes([]byte(src), "ref.hcl", reg)
		assert.Error(t, err)
	})

	t.Run("connection to unknown node", func(t *testing.T) {
		src := `
flow "x" {
  node "a" {
    type = "image.source"
  }
  connection {
    from = "a.image"
    to   = "ghost.image"
  }
}
`
		_, err := LoadBytes([]byte(src), "ghost.hcl", reg)
		assert.ErrorIs(t, err, flow.ErrUnknownNode)
	})

	t.Run("cycle", func(t *testing.T) {
		src := `
flow "x" {
  node "a" {
    type = "image.grayscale"
  }
  node "b" {
    type = "image.grayscale"
  }
  connection {
    from = "a.image"
    to   = "b.image"
  }
  connection {
    from = "b.image"
    to   = "a.image"
  }
}
`
		_, err := LoadBytes([]byte(src), "cycle.hcl", reg)
		assert.ErrorIs(t, err, flow.ErrCycleDetected)
	})
}

func TestLoadBytesDisabledNode(t *testing.T) {
	src := `
flow "x" {
  node "a" {
    type    = "image.source"
    enabled = false
  }
}
`
	f, err := LoadBytes([]byte(src), "off.hcl", builtins(t))
	require.NoError(t, err)

	a, ok := f.Node("a")
	require.True(t, ok)
	assert.False(t, a.Enabled)
}
