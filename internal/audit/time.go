package audit

import "time"

const timeLayout = time.RFC3339Nano

func nowUTC() time.Time { return time.Now().UTC() }

func parseTimeLayout(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
