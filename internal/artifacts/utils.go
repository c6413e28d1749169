package artifacts

const fileScheme = "file://"

func fileURI(path string) string {
	return fileScheme + path
}
