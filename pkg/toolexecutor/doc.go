// Package toolexecutor executes registered expression tools for front-ends.
//
// Invariants:
//   - Tools are resolved in the registry at call time, so a reload is visible
//     to the next call.
//   - Argument names are schema-validated before execution.
//   - Every failure is returned in a ToolResult; Execute never panics.
//
// Usage:
//
//	exec := toolexecutor.New(reg, toolexecutor.WithTimeout(5*time.Second))
//	res := exec.Execute(ctx, "add", map[string]interface{}{"a": 2, "b": 3})
//	if !res.Success {
//		fmt.Println(res.ErrorType, res.Error)
//	}
package toolexecutor
