package testutil

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vk/buildgridgo/internal/app"
)

// SafeBuffer is a thread-safe buffer for capturing log output in tests.
type SafeBuffer struct {
	b  bytes.Buffer
	mu sync.Mutex
}

// Write implements the io.Writer interface for SafeBuffer.
func (b *SafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

// String implements the fmt.Stringer interface for SafeBuffer.
func (b *SafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

// HarnessResult holds the outcomes of an integration test run.
type HarnessResult struct {
	LogOutput   string
	Err         error
	App         *app.App
	Destination string
}

// RunIntegrationTest provides a standardized harness for running integration
// tests using a default background context.
func RunIntegrationTest(t *testing.T, files map[string]string, opts ...func(*app.Config)) *HarnessResult {
	t.Helper()
	return RunIntegrationTestWithContext(context.Background(), t, files, opts...)
}

// RunIntegrationTestWithContext provides a standardized harness for running
// integration tests with a specific context provided by the caller. It writes
// the given plan files to a temporary directory, builds the full application,
// and runs the build end to end.
func RunIntegrationTestWithContext(ctx context.Context, t *testing.T, files map[string]string, opts ...func(*app.Config)) *HarnessResult {
	t.Helper()

	// 1. Create a temporary root directory for the test.
	tmpDir, err := os.MkdirTemp("", ".tmp-integration-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	planDir := filepath.Join(tmpDir, "plan")
	destDir := filepath.Join(tmpDir, "dest")
	require.NoError(t, os.Mkdir(planDir, 0755))
	require.NoError(t, os.Mkdir(destDir, 0755))

	// 2. Write all HCL plan files into the plan subdirectory. Relative paths
	//    in keys (e.g. "sub/extra.hcl") create the matching structure.
	for name, content := range files {
		filePath := filepath.Join(planDir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(filePath), 0755))
		require.NoError(t, os.WriteFile(filePath, []byte(content), 0644))
	}

	// 3. Configure the app against the dedicated subdirectories.
	appConfig := &app.Config{
		PlanPath:    planDir,
		Destination: destDir,
		Jobs:        4,
		LogLevel:    "debug",
		LogFormat:   "text",
	}
	for _, opt := range opts {
		opt(appConfig)
	}

	logBuffer := &SafeBuffer{}

	var testApp *app.App
	var panicErr any
	func() {
		defer func() {
			if r := recover(); r != nil {
				if os.Getenv("BUILDGRID_TEST_LOGS") == "true" {
					t.Logf("--- HARNESS RECOVERED PANIC ---\n%q", fmt.Sprintf("%v", r))
				}
				panicErr = r
			}
		}()
		testApp = app.NewApp(logBuffer, appConfig, nil)
	}()

	if panicErr != nil {
		return &HarnessResult{
			LogOutput:   logBuffer.String(),
			Err:         fmt.Errorf("application startup panicked | %v", panicErr),
			App:         nil,
			Destination: destDir,
		}
	}

	runErr := testApp.Run(ctx)

	if os.Getenv("BUILDGRID_TEST_LOGS") == "true" {
		t.Logf("--- Full Log Output for %s ---\n%s", t.Name(), logBuffer.String())
	}

	return &HarnessResult{
		LogOutput:   logBuffer.String(),
		Err:         runErr,
		App:         testApp,
		Destination: destDir,
	}
}
