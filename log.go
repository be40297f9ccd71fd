package loopii

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `loopii` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on
//     normal operation. This includes:
//     - dropped realtime events
//     - failed background submissions (evaluations, seen-state writes)
//     - reconnects and channel teardown
// Error:
//     unrecoverable crash details, including recovered panics from
//     supervised background tasks
// V(2):
//     key events for trace debugging - fetches, upserts, decisions -
//     tagged with store tags that can be used to filter

type LogFunction func(string, ...any)

func LogFn(tag string) LogFunction {
	return func(format string, a ...any) {
		m := fmt.Sprintf(format, a...)
		glog.Infof("%s: %s\n", tag, m)
	}
}

func SubLogFn(log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		m := fmt.Sprintf(format, a...)
		log("%s: %s", tag, m)
	}
}
