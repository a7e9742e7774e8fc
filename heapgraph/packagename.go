// Copyright 2024-2026 The Heapprofd Go Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package heapgraph

import "strings"

const dataAppPrefix = "/data/app/"

// Hardcoded system apps that do not follow the /data/app scheme. The
// MatchMaker substring test sits between the two halves.
var systemAppPackages = []struct {
	prefix string
	pkg    string
}{
	{"/system_ext/priv-app/SystemUIGoogle/SystemUIGoogle.apk", "com.android.systemui"},
	{"/product/priv-app/Phonesky/Phonesky.apk", "com.android.vending"},
	{"/product/app/Maps/Maps.apk", "com.google.android.apps.maps"},
	{"/system_ext/priv-app/NexusLauncherRelease/NexusLauncherRelease.apk", "com.google.android.apps.nexuslauncher"},
	{"/product/app/Photos/Photos.apk", "com.google.android.apps.photos"},
	{"/product/priv-app/WellbeingPrebuilt/WellbeingPrebuilt.apk", "com.google.android.apps.wellbeing"},
}

var systemAppPackagesTail = []struct {
	prefix string
	pkg    string
}{
	{"/product/app/PrebuiltGmail/PrebuiltGmail.apk", "com.google.android.gm"},
	{"/product/priv-app/PrebuiltGmsCore/PrebuiltGmsCore", "com.google.android.gms"},
	{"/product/priv-app/Velvet/Velvet.apk", "com.google.android.googlequicksearchbox"},
	{"/product/app/LatinIMEGooglePrebuilt/LatinIMEGooglePrebuilt.apk", "com.google.android.inputmethod.latin"},
}

// packageFromApp parses a package name out of a /data/app install path:
// strip the prefix, take the install directory segment, and cut its
// "-<suffix>" install counter.
func packageFromApp(location string) (string, bool) {
	location = location[len(dataAppPrefix):]
	slash := strings.IndexByte(location, '/')
	if slash < 0 {
		return "", false
	}
	if second := strings.IndexByte(location[slash+1:], '/'); second < 0 {
		location = location[:slash]
	} else {
		location = location[slash+1 : slash+1+second]
	}
	minus := strings.IndexByte(location, '-')
	if minus < 0 {
		return "", false
	}
	return location[:minus], true
}

// packageFromLocation attributes a class location path to a package.
// Returns false when the location carries no attributable package; a
// parse error on a /data/app path additionally counts a stat.
func (t *Tracker) packageFromLocation(location string) (string, bool) {
	for _, app := range systemAppPackages {
		if strings.HasPrefix(location, app.prefix) {
			return app.pkg, true
		}
	}
	if strings.Contains(location, "MatchMaker") {
		return "com.google.android.as", true
	}
	for _, app := range systemAppPackagesTail {
		if strings.HasPrefix(location, app.prefix) {
			return app.pkg, true
		}
	}
	if strings.HasPrefix(location, dataAppPrefix) {
		pkg, ok := packageFromApp(location)
		if !ok {
			t.storage.Stats.LocationParseErrors++
			return "", false
		}
		return pkg, true
	}
	return "", false
}
