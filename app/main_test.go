package main

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/modelops/trainwatch/app/config"
)

func Test_makeHostName(t *testing.T) {
	exp, err := os.Hostname()
	require.NoError(t, err)
	assert.Equal(t, exp, makeHostName())
}

func Test_makeNotifier(t *testing.T) {
	cfg := &config.Config{}
	assert.Nil(t, makeNotifier(cfg), "no destinations, no notifier")

	cfg.Notify.Webhooks = []string{"https://hooks.example.com/train"}
	notif := makeNotifier(cfg)
	require.NotNil(t, notif)
	assert.Equal(t, "trainwatch@"+makeHostName(), notif.From,
		"empty from defaults to hostname based address")
}

func Test_makeTransitionHook(t *testing.T) {
	assert.Nil(t, makeTransitionHook(nil))

	cfg := &config.Config{}
	cfg.Notify.Webhooks = []string{"https://hooks.example.com/train"}
	assert.NotNil(t, makeTransitionHook(makeNotifier(cfg)))
}

func Test_setupLogsWithLogsDisabled(t *testing.T) {
	opts.Log.Enabled = false
	assert.Equal(t, os.Stdout, setupLogs())
}

func Test_setupLogsToFile(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	opts.Log.Enabled = true
	opts.Log.Filename = tmpfile.Name()
	opts.Log.MaxSize = 100
	opts.Log.MaxBackups = 7
	opts.Log.MaxAge = 0
	opts.Log.EnabledCompress = false

	out := setupLogs()
	assert.IsType(t, &lumberjack.Logger{}, out)

	logger := out.(*lumberjack.Logger)
	assert.Equal(t, tmpfile.Name(), logger.Filename)
	assert.Equal(t, 100, logger.MaxSize)
	assert.Equal(t, 7, logger.MaxBackups)
	assert.Equal(t, 0, logger.MaxAge)
	assert.False(t, logger.Compress)
}

func Test_printConfigSchema(t *testing.T) {
	buf := bytes.Buffer{}
	require.NoError(t, printConfigSchema(&buf))

	var schema map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &schema))
	assert.Contains(t, buf.String(), "backend")
}
