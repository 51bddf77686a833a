package gcode

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cmd, err := Parse("G1 X10.5 Y-2 E0.033 ; perimeter")
	require.NoError(t, err)
	assert.Equal(t, "G1", cmd.Name)
	assert.True(t, cmd.IsMove())
	assert.True(t, cmd.IsExtrusion())
	assert.InDelta(t, 10.5, cmd.Params['X'], 1e-12)
	assert.InDelta(t, -2, cmd.Params['Y'], 1e-12)

	feed, err := Parse("G1 F1800")
	require.NoError(t, err)
	assert.True(t, feed.IsFeedOnly())
	assert.False(t, feed.IsExtrusion())

	retract, err := Parse("G1 E-0.8 F2100")
	require.NoError(t, err)
	assert.False(t, retract.IsExtrusion())

	empty, err := Parse(";LAYER_CHANGE")
	require.NoError(t, err)
	assert.Empty(t, empty.Name)

	_, err = Parse("G1 X1..2 Y3")
	assert.Error(t, err)
}

func TestParseTextArguments(t *testing.T) {
	msg, err := Parse("M117 Layer 3 of 80")
	require.NoError(t, err)
	assert.Equal(t, "M117", msg.Name)
	assert.Empty(t, msg.Params)
	assert.True(t, IsMessage("m118"))

	label, err := Parse("M486 ASmallBellow")
	require.NoError(t, err)
	assert.True(t, label.IsMachine())
	assert.False(t, label.Has('A'))

	obj, err := Parse("M486 S0")
	require.NoError(t, err)
	assert.InDelta(t, 0, obj.Params['S'], 1e-12)

	_, err = Parse("G1 XSmall")
	assert.Error(t, err)
}

func TestIron(t *testing.T) {
	in := []string{
		";TYPE:External perimeter",
		"G1 X10 Y20 E2.0 S6000",
		"G1 E-1.0",
		"G1 X5 Y5 F9000",
		"M106 S-1",
		"G1 X1 Y1 E0.12345",
	}

	got, err := Iron(in, DefaultIronOptions())
	require.NoError(t, err)

	want := []string{
		"G1 X10 Y20 E0.4 S3600",
		"G1 E-1.0",
		"G1 X5 Y5 F9000",
		"M106 S-1",
		"G1 X1 Y1 E0.025",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Iron() mismatch (-want +got):\n%s", diff)
	}
}

func TestIronKeepsTextCommands(t *testing.T) {
	in := []string{
		"M117 Status E3 Starting",
		"M486 S1",
		"M486 ASmallBellow",
		"G1 X1 Y1 E1",
		"M106 Sfast",
		"M486 S-1",
	}
	got, err := Iron(in, DefaultIronOptions())
	require.NoError(t, err)

	want := []string{
		"M117 Status E3 Starting",
		"M486 S1",
		"M486 ASmallBellow",
		"G1 X1 Y1 E0.2",
		"M106 Sfast",
		"M486 S-1",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Iron() mismatch (-want +got):\n%s", diff)
	}
}

func TestIronKeepsTrailingComment(t *testing.T) {
	got, err := Iron([]string{"G1 X1 Y2 E1 ; Extra"}, DefaultIronOptions())
	require.NoError(t, err)
	assert.Equal(t, []string{"G1 X1 Y2 E0.2 ; Extra"}, got)
}

func TestIronRejects(t *testing.T) {
	_, err := Iron([]string{"G1 X1 Eabc"}, DefaultIronOptions())
	assert.Error(t, err)

	_, err = Iron([]string{"G1 X1 E1"}, IronOptions{ExtrusionRatio: 0, SpeedRatio: 0.5})
	assert.Error(t, err)
}

func TestAppendPhotoMove(t *testing.T) {
	in := []string{"G1 X1 Y1 E1"}
	got := AppendPhotoMove(in, DefaultPhotoMove(120, 100.5))

	want := []string{"G1 X1 Y1 E1", "G1 E-1.", "G1 X120 Y100.5 F9000"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("AppendPhotoMove() mismatch (-want +got):\n%s", diff)
	}
	assert.Len(t, in, 1, "input must not be modified")
}

const sample = `; generated by slicer
G28

M104 S215
M107
;LAYER_CHANGE
G1 Z0.2
G1 X1 Y1 E1
; stop printing object SmallBellow
G1 X50 Y50 E1
; stop printing object wiping_pattern_z
;LAYER_CHANGE
G1 Z0.4
G1 X2 Y2 E1
; stop printing object SmallBellow

G1 X51 Y51 E1
; stop printing object wiping_pattern_z
M104 S0
M84
`

func TestSplit(t *testing.T) {
	segs, err := Split(strings.NewReader(sample), DefaultSplitOptions())
	require.NoError(t, err)

	want := &Segments{
		Setup: []string{"; generated by slicer", "G28", "M104 S215", "M107"},
		Layers: []Layer{
			{
				Index:     1,
				Structure: []string{";LAYER_CHANGE", "G1 Z0.2", "G1 X1 Y1 E1", "; stop printing object SmallBellow"},
				Support:   []string{"G1 X50 Y50 E1", "; stop printing object wiping_pattern_z"},
			},
			{
				Index:     2,
				Structure: []string{";LAYER_CHANGE", "G1 Z0.4", "G1 X2 Y2 E1", "; stop printing object SmallBellow"},
				Support:   []string{"G1 X51 Y51 E1", "; stop printing object wiping_pattern_z"},
			},
		},
		Shutdown: []string{"M104 S0", "M84"},
	}
	if diff := cmp.Diff(want, segs); diff != "" {
		t.Errorf("Split() mismatch (-want +got):\n%s", diff)
	}

	// Every non-blank input line lands in exactly one segment.
	var nonBlank []string
	for _, line := range strings.Split(sample, "\n") {
		if strings.TrimSpace(line) != "" {
			nonBlank = append(nonBlank, strings.TrimSpace(line))
		}
	}
	var joined []string
	joined = append(joined, segs.Setup...)
	for _, l := range segs.Layers {
		joined = append(joined, l.Structure...)
		joined = append(joined, l.Support...)
	}
	joined = append(joined, segs.Shutdown...)
	assert.Equal(t, nonBlank, joined)
	assert.Equal(t, len(nonBlank), segs.LineCount())
}

func TestSplitMissingSetupMarker(t *testing.T) {
	_, err := Split(strings.NewReader("G28\nG1 X1 Y1\n"), DefaultSplitOptions())
	assert.ErrorIs(t, err, ErrNoSetupMarker)
}

func TestSplitConsecutiveStructureMarkers(t *testing.T) {
	in := "M107\nA\n; stop printing object SmallBellow\nB\n; stop printing object SmallBellow\nC\n"
	segs, err := Split(strings.NewReader(in), DefaultSplitOptions())
	require.NoError(t, err)

	require.Len(t, segs.Layers, 2)
	assert.Equal(t, 1, segs.Layers[0].Index)
	assert.Equal(t, 2, segs.Layers[1].Index)
	assert.Empty(t, segs.Layers[0].Support)
	assert.Equal(t, []string{"C"}, segs.Shutdown)
}

func TestWriteDir(t *testing.T) {
	segs, err := Split(strings.NewReader(sample), DefaultSplitOptions())
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, segs.WriteDir(dir))

	for _, name := range []string{
		SetupFile,
		LayerFile(1),
		LayerFile(2),
		filepath.Join(SupportDir, LayerFile(1)),
		filepath.Join(SupportDir, LayerFile(2)),
		ShutdownFile,
	} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}

	lines, err := ReadLines(filepath.Join(dir, LayerFile(2)))
	require.NoError(t, err)
	assert.Equal(t, segs.Layers[1].Structure, lines)
}

func TestSources(t *testing.T) {
	segs, err := Split(strings.NewReader(sample), DefaultSplitOptions())
	require.NoError(t, err)
	segs.Layers[1].Support = nil

	dir := t.TempDir()
	require.NoError(t, segs.WriteDir(dir))
	disk, err := OpenDir(dir)
	require.NoError(t, err)

	for name, src := range map[string]interface {
		LayerCount() int
		Setup() ([]string, error)
		Layer(int) ([]string, error)
		Support(int) ([]string, error)
		Shutdown() ([]string, error)
	}{"dir": disk, "memory": segs.Source()} {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, 2, src.LayerCount())

			setup, err := src.Setup()
			require.NoError(t, err)
			assert.Equal(t, segs.Setup, setup)

			layer, err := src.Layer(1)
			require.NoError(t, err)
			assert.Equal(t, segs.Layers[0].Structure, layer)

			support, err := src.Support(2)
			require.NoError(t, err)
			assert.Empty(t, support)

			_, err = src.Layer(3)
			assert.ErrorIs(t, err, os.ErrNotExist)

			end, err := src.Shutdown()
			require.NoError(t, err)
			assert.Equal(t, segs.Shutdown, end)
		})
	}
}

func TestOpenDirRequiresSetup(t *testing.T) {
	_, err := OpenDir(t.TempDir())
	assert.Error(t, err)
}
