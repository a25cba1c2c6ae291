package upload

import "path/filepath"

const uploadDirName = ".upload"

func uploadDirPath(mount string) string {
	return filepath.Join(mount, uploadDirName)
}

func stagingPath(mount, session string) string {
	return filepath.Join(uploadDirPath(mount), session)
}

func uploadRelpath(session string) string {
	return uploadDirName + "/" + session
}
