// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"log/slog"
	"time"

	"github.com/tombee/campaignforge/internal/repository"
)

// InWindow reports whether now falls inside w, evaluated in w's configured
// timezone. A ScheduleWindow with an empty Timezone always
// returns true, since most campaigns run around the clock.
//
// Per spec §9's Open Question decision, an invalid timezone fails open: the
// window is treated as unrestricted rather than blocking scheduling forever
// on a typo'd IANA name.
func InWindow(w repository.ScheduleWindow, now time.Time, logger *slog.Logger) bool {
	if w.Timezone == "" {
		return true
	}

	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		if logger != nil {
			logger.Warn("orchestrator: invalid schedule window timezone, failing open", "timezone", w.Timezone, "error", err)
		}
		return true
	}

	local := now.In(loc)
	if len(w.Weekdays) > 0 && !containsWeekday(w.Weekdays, local.Weekday()) {
		return false
	}

	hour := local.Hour()
	if w.StartHour == w.EndHour {
		return true
	}
	if w.StartHour < w.EndHour {
		return hour >= w.StartHour && hour < w.EndHour
	}
	// Window wraps past midnight, e.g. 22:00-06:00.
	return hour >= w.StartHour || hour < w.EndHour
}

func containsWeekday(days []time.Weekday, d time.Weekday) bool {
	for _, w := range days {
		if w == d {
			return true
		}
	}
	return false
}
