package flow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// twoPort builds a node with one required input "in" and one output "out".
func twoPort(id string, t DataType) *Node {
	n := NewNodeWithID(id, "test.op", id)
	n.AddInput("in", t, true)
	n.AddOutput("out", t)
	return n
}

func conn(from, fromPort, to, toPort string) Connection {
	return Connection{
		Source: PortRef{Node: from, Port: fromPort},
		Target: PortRef{Node: to, Port: toPort},
	}
}

func TestNewAssignsID(t *testing.T) {
	f := New("inspection")
	require.NotEmpty(t, f.ID)
	assert.Equal(t, "inspection", f.Name)

	g := NewWithID("flow-7", "imported")
	assert.Equal(t, "flow-7", g.ID)

	n := NewNode("test.op", "a")
	assert.NotEmpty(t, n.ID)
	assert.True(t, n.Enabled)
}

func TestAddNodeRejectsDuplicate(t *testing.T) {
	f := New("f")
	require.NoError(t, f.AddNode(twoPort("a", DataScalar)))

	err := f.AddNode(twoPort("a", DataScalar))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateNodeID)

	assert.Len(t, f.Nodes(), 1)
}

func TestConnectErrors(t *testing.T) {
	f := New("f")
	require.NoError(t, f.AddNode(twoPort("a", DataScalar)))
	require.NoError(t, f.AddNode(twoPort("b", DataScalar)))

	t.Run("unknown source node", func(t *testing.T) {
		err := f.Connect(conn("dne", "out", "b", "in"))
		assert.ErrorIs(t, err, ErrUnknownNode)
	})

	t.Run("unknown target node", func(t *testing.T) {
		err := f.Connect(conn("a", "out", "dne", "in"))
		assert.ErrorIs(t, err, ErrUnknownNode)
	})

	t.Run("unknown source port", func(t *testing.T) {
		err := f.Connect(conn("a", "nope", "b", "in"))
		assert.ErrorIs(t, err, ErrUnknownPort)
	})

	t.Run("unknown target port", func(t *testing.T) {
		err := f.Connect(conn("a", "out", "b", "nope"))
		assert.ErrorIs(t, err, ErrUnknownPort)
	})

	t.Run("source must be an output", func(t *testing.T) {
		err := f.Connect(conn("a", "in", "b", "in"))
		assert.ErrorIs(t, err, ErrPortDirectionMismatch)
	})

	t.Run("target must be an input", func(t *testing.T) {
		err := f.Connect(conn("a", "out", "b", "out"))
		assert.ErrorIs(t, err, ErrPortDirectionMismatch)
	})

	t.Run("self connection", func(t *testing.T) {
		err := f.Connect(conn("a", "out", "a", "in"))
		assert.ErrorIs(t, err, ErrSelfConnection)
	})

	t.Run("type mismatch", func(t *testing.T) {
		require.NoError(t, f.AddNode(twoPort("img", DataImage)))
		err := f.Connect(conn("a", "out", "img", "in"))
		assert.ErrorIs(t, err, ErrPortTypeMismatch)
	})

	t.Run("any is a wildcard", func(t *testing.T) {
		require.NoError(t, f.AddNode(twoPort("anyn", DataAny)))
		assert.NoError(t, f.Connect(conn("a", "out", "anyn", "in")))
	})
}

func TestConnectRejectsSecondProducer(t *testing.T) {
	f := New("f")
	require.NoError(t, f.AddNode(twoPort("a", DataScalar)))
	require.NoError(t, f.AddNode(twoPort("b", DataScalar)))
	require.NoError(t, f.AddNode(twoPort("c", DataScalar)))

	require.NoError(t, f.Connect(conn("a", "out", "c", "in")))

	err := f.Connect(conn("b", "out", "c", "in"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInputAlreadyBound)
	assert.Len(t, f.Connections(), 1)
}

func TestConnectRejectsCycle(t *testing.T) {
	f := New("f")
	require.NoError(t, f.AddNode(twoPort("a", DataScalar)))
	require.NoError(t, f.AddNode(twoPort("b", DataScalar)))

	require.NoError(t, f.Connect(conn("a", "out", "b", "in")))

	// The second edge would close a -> b -> a.
	err := f.Connect(conn("b", "out", "a", "in"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCycleDetected)

	// The rejected edge was not inserted; the flow stays executable.
	assert.Len(t, f.Connections(), 1)
	assert.NoError(t, f.Validate())
}

func TestConnectRejectsLongerCycle(t *testing.T) {
	f := New("f")
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, f.AddNode(twoPort(id, DataScalar)))
	}
	require.NoError(t, f.Connect(conn("a", "out", "b", "in")))
	require.NoError(t, f.Connect(conn("b", "out", "c", "in")))

	err := f.Connect(conn("c", "out", "a", "in"))
	assert.ErrorIs(t, err, ErrCycleDetected)
}

// diamond graphs re-converge without being cyclic; a checker that conflates
// "ever visited" with "on the current path" reports a false cycle here.
func TestDiamondIsAcyclic(t *testing.T) {
	f := New("f")
	a := NewNodeWithID("a", "test.op", "a")
	a.AddOutput("o1", DataScalar)
	a.AddOutput("o2", DataScalar)
	require.NoError(t, f.AddNode(a))

	require.NoError(t, f.AddNode(twoPort("b", DataScalar)))
	require.NoError(t, f.AddNode(twoPort("c", DataScalar)))

	d := NewNodeWithID("d", "test.op", "d")
	d.AddInput("i1", DataScalar, true)
	d.AddInput("i2", DataScalar, true)
	require.NoError(t, f.AddNode(d))

	require.NoError(t, f.Connect(conn("a", "o1", "b", "in")))
	require.NoError(t, f.Connect(conn("a", "o2", "c", "in")))
	require.NoError(t, f.Connect(conn("b", "out", "d", "i1")))
	require.NoError(t, f.Connect(conn("c", "out", "d", "i2")))

	assert.NoError(t, f.Validate())
}

func TestValidateReportsCyclePath(t *testing.T) {
	f := New("f")
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, f.AddNode(twoPort(id, DataScalar)))
	}
	require.NoError(t, f.Connect(conn("a", "out", "b", "in")))
	require.NoError(t, f.Connect(conn("b", "out", "c", "in")))

	// Bypass Connect to plant the cycle, as an importer with raw access might.
	f.conns = append(f.conns, conn("c", "out", "a", "in"))

	err := f.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCycleDetected)

	var cycleErr *CycleError
	require.True(t, errors.As(err, &cycleErr))
	require.GreaterOrEqual(t, len(cycleErr.Path), 4)
	assert.Equal(t, cycleErr.Path[0], cycleErr.Path[len(cycleErr.Path)-1])
	assert.ElementsMatch(t, []string{"a", "b", "c"}, cycleErr.Path[:len(cycleErr.Path)-1])
}

func TestInDegrees(t *testing.T) {
	f := New("f")
	require.NoError(t, f.AddNode(twoPort("a", DataScalar)))
	require.NoError(t, f.AddNode(twoPort("b", DataScalar)))
	d := NewNodeWithID("d", "test.op", "d")
	d.AddInput("i1", DataScalar, true)
	d.AddInput("i2", DataScalar, false)
	require.NoError(t, f.AddNode(d))

	require.NoError(t, f.Connect(conn("a", "out", "d", "i1")))
	require.NoError(t, f.Connect(conn("b", "out", "d", "i2")))

	deg := f.InDegrees()
	assert.Equal(t, 0, deg["a"])
	assert.Equal(t, 0, deg["b"])
	assert.Equal(t, 2, deg["d"])
}

func TestProducerAndConnectionQueries(t *testing.T) {
	f := New("f")
	require.NoError(t, f.AddNode(twoPort("a", DataScalar)))
	require.NoError(t, f.AddNode(twoPort("b", DataScalar)))
	require.NoError(t, f.Connect(conn("a", "out", "b", "in")))

	c, ok := f.ProducerOf(PortRef{Node: "b", Port: "in"})
	require.True(t, ok)
	assert.Equal(t, "a", c.Source.Node)

	_, ok = f.ProducerOf(PortRef{Node: "a", Port: "in"})
	assert.False(t, ok)

	assert.Len(t, f.ConnectionsFrom("a"), 1)
	assert.Empty(t, f.ConnectionsFrom("b"))
	assert.Len(t, f.ConnectionsInto("b"), 1)
}

func TestParsePortRef(t *testing.T) {
	ref, err := ParsePortRef("gray.image")
	require.NoError(t, err)
	assert.Equal(t, PortRef{Node: "gray", Port: "image"}, ref)

	ref, err = ParsePortRef("stage.gray.image")
	require.NoError(t, err)
	assert.Equal(t, PortRef{Node: "stage.gray", Port: "image"}, ref)

	for _, bad := range []string{"", "noport", ".x", "x."} {
		_, err := ParsePortRef(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestValueVariants(t *testing.T) {
	img := &Image{Shape: ImageShape{Width: 2, Height: 2, Channels: 1, BytesPerChannel: 1}, Pix: make([]byte, 4)}

	v := ImageValue(img)
	got, ok := v.AsImage()
	require.True(t, ok)
	assert.Same(t, img, got)
	_, ok = v.AsScalar()
	assert.False(t, ok)

	s := ScalarValue(0.5)
	f, ok := s.AsScalar()
	require.True(t, ok)
	assert.Equal(t, 0.5, f)

	pts := PointSetValue([]Point{{X: 1, Y: 2}})
	p, ok := pts.AsPointSet()
	require.True(t, ok)
	assert.Equal(t, []Point{{X: 1, Y: 2}}, p)

	b, ok := BoolValue(true).AsBool()
	require.True(t, ok)
	assert.True(t, b)

	txt, ok := TextValue("ok").AsText()
	require.True(t, ok)
	assert.Equal(t, "ok", txt)

	assert.Equal(t, DataAny, Value{}.Kind())
}

func TestDataTypeCompatibility(t *testing.T) {
	assert.True(t, DataImage.Compatible(DataImage))
	assert.True(t, DataAny.Compatible(DataImage))
	assert.True(t, DataImage.Compatible(DataAny))
	assert.False(t, DataImage.Compatible(DataScalar))
}

func TestImageShapeBytes(t *testing.T) {
	s := ImageShape{Width: 640, Height: 480, Channels: 3, BytesPerChannel: 1}
	assert.Equal(t, 640*480*3, s.Bytes())
	assert.False(t, s.IsZero())
	assert.True(t, ImageShape{}.IsZero())
}
