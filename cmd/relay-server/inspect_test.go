package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/recording"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/registry"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/pkg/types"
)

func TestInspectCommand(t *testing.T) {
	dir := t.TempDir()
	rec, err := recording.NewRecorder(recording.Options{Dir: dir, Format: recording.FormatRaw})
	require.NoError(t, err)
	res, err := rec.Persist(context.Background(), registry.CameraRecord{
		ID:      "cam",
		Info:    registry.CameraInfo{Format: types.DefaultFormat},
		Frames:  []types.Frame{{Payload: []byte("a")}, {Seq: 1, Payload: []byte("bc")}},
		Started: time.Now(),
	})
	require.NoError(t, err)

	junk := filepath.Join(dir, "junk")
	require.NoError(t, os.WriteFile(junk, []byte("nothing here"), 0o644))

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs([]string{"inspect", res.Path, junk})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	err = rootCmd.Execute()
	assert.Error(t, err)
	assert.Contains(t, out.String(), "raw 640x480@30, 2 frames, 3 bytes")
	assert.Contains(t, errOut.String(), "junk")
}
