// Package collab adapts the external collaborators (asset directory, job plan
// store, permit subsystem, service contract store) to the engine ports.
//
// HTTPGateway talks to a REST gateway that fronts those systems. StaticDirectory
// serves everything from memory and can be loaded from a YAML file, which is
// how standalone deployments and tests run the engine.
package collab
