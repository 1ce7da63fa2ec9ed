package config

import (
	"fmt"
	"path/filepath"

	composeLoader "github.com/compose-spec/compose-go/loader"
	composeTypes "github.com/compose-spec/compose-go/types"
)

// ComposeContainers lists the container names of every service of a compose project,
// primaryService first when given, otherwise in project order. Services without an
// explicit container_name get compose's default "<project>-<service>-1".
func ComposeContainers(path, primaryService string) ([]string, error) {
	project, err := loadComposeFile(path)
	if err != nil {
		return nil, err
	}
	if len(project.Services) == 0 {
		return nil, fmt.Errorf("compose file %q declares no services", path)
	}

	var primary string
	others := make([]string, 0, len(project.Services))
	for _, svc := range project.Services {
		name := svc.ContainerName
		if name == "" {
			name = fmt.Sprintf("%s-%s-1", project.Name, svc.Name)
		}
		if primaryService != "" && svc.Name == primaryService {
			primary = name
			continue
		}
		others = append(others, name)
	}

	if primaryService == "" {
		return others, nil
	}
	if primary == "" {
		return nil, fmt.Errorf("compose file %q has no service %q", path, primaryService)
	}
	return append([]string{primary}, others...), nil
}

// loadComposeFile loads a compose project, naming it after its directory unless
// the file sets a name itself.
func loadComposeFile(path string) (*composeTypes.Project, error) {
	configFiles := []composeTypes.ConfigFile{
		{
			Filename: path,
		},
	}

	workingDir := filepath.Dir(path)
	configDetails := composeTypes.ConfigDetails{
		ConfigFiles: configFiles,
		WorkingDir:  workingDir,
	}

	project, err := composeLoader.Load(configDetails, func(o *composeLoader.Options) {
		o.SetProjectName(composeLoader.NormalizeProjectName(filepath.Base(workingDir)), false)
	})
	if err != nil {
		return nil, fmt.Errorf("load compose project: %w", err)
	}

	return project, nil
}
